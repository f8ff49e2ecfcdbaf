package views

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"commoditydash/internal/config"
	"commoditydash/internal/fetcher"
	"commoditydash/internal/prices"
)

// DownloadFailedMessage is shown to users when every attempt failed.
const DownloadFailedMessage = "Price download failed after retries. Try a smaller window or slower interval."

// ParseDate reads YYYY-MM-DD or RFC 3339. Empty input is the zero time.
func ParseDate(name, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, prices.Invalid(fmt.Sprintf("%s %q must be YYYY-MM-DD or RFC 3339", name, s))
	}
	return t.UTC(), nil
}

// ParseWindows reads a comma-separated list of positive window sizes.
func ParseWindows(s string) ([]int, error) {
	var out []int
	for _, p := range config.SplitList(s) {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return nil, prices.Invalid(fmt.Sprintf("window %q must be a positive integer", p))
		}
		out = append(out, n)
	}
	return out, nil
}

// Describe turns a pipeline error into the text shown to users.
func Describe(err error) string {
	var dlErr *fetcher.DataDownloadError
	if !errors.As(err, &dlErr) {
		return err.Error()
	}
	if dlErr.Err == nil {
		return DownloadFailedMessage
	}
	return DownloadFailedMessage + " " + dlErr.Err.Error()
}
