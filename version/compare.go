package version

import (
	"fmt"
	"regexp"
	"strconv"
)

var numericParts = regexp.MustCompile(`[0-9]+`)

// Compare compares the numeric parts of two version strings such as v0.1.2
// or 1.1.1-beta. Missing parts count as 0. It returns -1, 0 or 1.
func Compare(a, b string) (int, error) {
	partsA, err := parse(a)
	if err != nil {
		return 0, err
	}
	partsB, err := parse(b)
	if err != nil {
		return 0, err
	}
	for len(partsA) < len(partsB) {
		partsA = append(partsA, 0)
	}
	for len(partsB) < len(partsA) {
		partsB = append(partsB, 0)
	}
	for i := range partsA {
		switch {
		case partsA[i] < partsB[i]:
			return -1, nil
		case partsA[i] > partsB[i]:
			return 1, nil
		}
	}
	return 0, nil
}

func parse(v string) ([]int, error) {
	var parts []int
	for _, s := range numericParts.FindAllString(v, -1) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("malformed version string %s: %w", v, err)
		}
		parts = append(parts, n)
	}
	return parts, nil
}
