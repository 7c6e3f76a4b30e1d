package tools

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/tidewater-ai/keel/internal/session"
)

// ArgHash fingerprints a tool call as md5(lower(name) + ":" + strip(args)).
func ArgHash(name, argsJSON string) string {
	sum := md5.Sum([]byte(strings.ToLower(name) + ":" + strings.TrimSpace(argsJSON)))
	return hex.EncodeToString(sum[:])
}

// circularDetector evaluates a candidate call against the session's
// previous-call history.
type circularDetector struct {
	maxConsecutiveRetries int // extra identical attempts allowed after the first
	maxSimilarCalls       int
	similarityThreshold   float64
}

// isCircular reports whether the call exceeds either the consecutive-retry
// budget for an identical call or the similar-call budget across the session.
func (d circularDetector) isCircular(prev []session.PreviousToolCall, name, argsJSON, hash string) bool {
	consecutive := 0
	for i := len(prev) - 1; i >= 0; i-- {
		if prev[i].ArgHash == hash && prev[i].Name == name {
			consecutive++
			continue
		}
		break
	}
	if consecutive > d.maxConsecutiveRetries {
		return true
	}
	if consecutive > 0 {
		// Identical calls within budget are retries, not loops.
		return false
	}

	similar := 0
	for _, p := range prev {
		if p.Name != name {
			continue
		}
		if argsSimilar(p.Args, argsJSON, d.similarityThreshold) {
			similar++
		}
	}
	return similar >= d.maxSimilarCalls-1
}

// argsSimilar compares serialized args. Both empty is similar; one empty and
// one not is never similar.
func argsSimilar(a, b string, threshold float64) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	aEmpty := a == "" || a == "{}"
	bEmpty := b == "" || b == "{}"
	if aEmpty && bEmpty {
		return true
	}
	if aEmpty != bEmpty {
		return false
	}
	return similarityRatio(a, b) >= threshold
}

// similarityRatio is difflib.SequenceMatcher.ratio over bytes:
// 2*M/T where M is the total length of matching blocks and T the combined
// length of both inputs.
func similarityRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	matched := matchingBlocksTotal(a, b)
	return 2.0 * float64(matched) / float64(len(a)+len(b))
}

func matchingBlocksTotal(a, b string) int {
	// Index b's bytes once; longestMatch scans with it.
	b2j := make(map[byte][]int, len(b))
	for j := 0; j < len(b); j++ {
		b2j[b[j]] = append(b2j[b[j]], j)
	}

	type span struct{ alo, ahi, blo, bhi int }
	total := 0
	queue := []span{{0, len(a), 0, len(b)}}
	for len(queue) > 0 {
		s := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		bi, bj, size := longestMatch(a, b2j, s.alo, s.ahi, s.blo, s.bhi)
		if size == 0 {
			continue
		}
		total += size
		queue = append(queue,
			span{s.alo, bi, s.blo, bj},
			span{bi + size, s.ahi, bj + size, s.bhi},
		)
	}
	return total
}

func longestMatch(a string, b2j map[byte][]int, alo, ahi, blo, bhi int) (besti, bestj, bestsize int) {
	besti, bestj = alo, blo
	j2len := make(map[int]int)
	for i := alo; i < ahi; i++ {
		newj2len := make(map[int]int)
		for _, j := range b2j[a[i]] {
			if j < blo {
				continue
			}
			if j >= bhi {
				break
			}
			k := j2len[j-1] + 1
			newj2len[j] = k
			if k > bestsize {
				besti, bestj, bestsize = i-k+1, j-k+1, k
			}
		}
		j2len = newj2len
	}
	return besti, bestj, bestsize
}
