package server

import (
	"errors"
	"strconv"
	"strings"

	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
)

var errInvalidPageSize = errors.New("invalid_page_size")

func parseOptionalInt32(value string) (int32, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(parsed), nil
}

func parsePageSize(value string) (int32, error) {
	size, err := parseOptionalInt32(value)
	if err != nil || size < 0 {
		return 0, errInvalidPageSize
	}
	return size, nil
}

func parseServiceScope(value string) (marketdomain.ServiceScope, bool) {
	switch marketdomain.ServiceScope(strings.ToLower(strings.TrimSpace(value))) {
	case "", marketdomain.ServiceScopeRunning:
		return marketdomain.ServiceScopeRunning, true
	case marketdomain.ServiceScopeAll:
		return marketdomain.ServiceScopeAll, true
	case marketdomain.ServiceScopeAvailable:
		return marketdomain.ServiceScopeAvailable, true
	default:
		return "", false
	}
}
