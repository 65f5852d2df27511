package bruteforce

import (
	"regexp"
	"sort"
	"strconv"
)

var numericSuffixRe = regexp.MustCompile(`^([a-zA-Z._-]+)(\d+)$`)

// dictionaryOverlap returns the fraction of attempted usernames found in
// the common-username wordlist, and how many matched.
func dictionaryOverlap(usernames []string) (fraction float64, matched int) {
	if len(usernames) == 0 {
		return 0, 0
	}
	for _, u := range usernames {
		if IsCommonUsername(u) {
			matched++
		}
	}
	return float64(matched) / float64(len(usernames)), matched
}

// sequentialRun finds the longest run of consecutive numeric suffixes
// sharing one prefix (admin1, admin2, admin3 ...). Returns the run
// length and the prefix it was found under.
func sequentialRun(usernames []string) (run int, prefix string) {
	suffixes := make(map[string][]int)
	for _, u := range usernames {
		m := numericSuffixRe.FindStringSubmatch(u)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		suffixes[m[1]] = append(suffixes[m[1]], n)
	}

	for p, nums := range suffixes {
		sort.Ints(nums)
		current, best := 1, 1
		for i := 1; i < len(nums); i++ {
			switch nums[i] - nums[i-1] {
			case 0:
				continue
			case 1:
				current++
			default:
				current = 1
			}
			if current > best {
				best = current
			}
		}
		if best > run {
			run = best
			prefix = p
		}
	}
	return run, prefix
}
