package model

import (
	"fmt"
	"strconv"
	"strings"
)

// AnalyzerID is the 64-bit identity of an analyzer. It is carried in decimal form in
// the DN qualifier of requests and certificates and doubles as the serial number of
// the certificate issued for it.
type AnalyzerID uint64

func ParseAnalyzerID(s string) (AnalyzerID, error) {
	s = strings.TrimSpace(s)
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid analyzer id %q: %w", s, ErrInvalidParameter)
	}
	return AnalyzerID(id), nil
}

func (id AnalyzerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}
