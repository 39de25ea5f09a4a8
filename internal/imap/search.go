package imap

import (
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
)

// DefaultPageSize is used when a caller asks for zero or negative results.
const DefaultPageSize = 50

var now = time.Now

// ParseSearchQuery translates a Gmail-style query into IMAP search criteria.
//
// Supported operators: subject:, from:, to:, cc:, bcc:, is:unread|read|starred|
// flagged|draft, has:attachment, after:, before: (YYYY-MM-DD or YYYY/MM/DD),
// newer_than:, older_than: (Nd, Nw, Nm, Ny). Bare email addresses match From or To.
// Everything else is body text; a query made only of bare words matches the
// subject or the body.
func ParseSearchQuery(query string) (*imap.SearchCriteria, error) {
	criteria := imap.NewSearchCriteria()
	tokens := tokenizeQuery(strings.TrimSpace(query))
	if len(tokens) == 0 {
		return criteria, nil
	}

	var words []string
	onlyWords := true

	for _, token := range tokens {
		key, value, isOperator := splitOperator(token)
		if !isOperator {
			if isEmailAddress(token) {
				onlyWords = false
				criteria.Or = append(criteria.Or, [2]*imap.SearchCriteria{
					headerCriteria("From", token),
					headerCriteria("To", token),
				})
				continue
			}
			words = append(words, token)
			continue
		}

		onlyWords = false
		if value == "" {
			return nil, fmt.Errorf("empty value for %s:", key)
		}

		switch key {
		case "subject", "from", "to", "cc", "bcc":
			criteria.Header.Add(textproto.CanonicalMIMEHeaderKey(key), value)
		case "is":
			if err := applyState(criteria, value); err != nil {
				return nil, err
			}
		case "has":
			if strings.ToLower(value) != "attachment" {
				return nil, fmt.Errorf("unsupported has: value %q", value)
			}
			criteria.Or = append(criteria.Or, [2]*imap.SearchCriteria{
				headerCriteria("Content-Disposition", "attachment"),
				headerCriteria("Content-Type", "multipart/mixed"),
			})
		case "after", "since":
			date, err := parseDate(value)
			if err != nil {
				return nil, err
			}
			criteria.Since = date
		case "before":
			date, err := parseDate(value)
			if err != nil {
				return nil, err
			}
			criteria.Before = date
		case "newer_than":
			since, err := relativeDate(value)
			if err != nil {
				return nil, err
			}
			criteria.Since = since
		case "older_than":
			before, err := relativeDate(value)
			if err != nil {
				return nil, err
			}
			criteria.Before = before
		}
	}

	if len(words) > 0 {
		if onlyWords {
			phrase := strings.Join(words, " ")
			subject := imap.NewSearchCriteria()
			subject.Header.Add("Subject", phrase)
			body := imap.NewSearchCriteria()
			body.Body = []string{phrase}
			criteria.Or = append(criteria.Or, [2]*imap.SearchCriteria{subject, body})
		} else {
			criteria.Body = append(criteria.Body, words...)
		}
	}

	return criteria, nil
}

var operators = map[string]bool{
	"subject":    true,
	"from":       true,
	"to":         true,
	"cc":         true,
	"bcc":        true,
	"is":         true,
	"has":        true,
	"after":      true,
	"since":      true,
	"before":     true,
	"newer_than": true,
	"older_than": true,
}

// splitOperator splits "key:value". Unknown keys are treated as plain words so
// that text like "re:" or URLs still searches the body.
func splitOperator(token string) (string, string, bool) {
	idx := strings.IndexByte(token, ':')
	if idx <= 0 {
		return "", "", false
	}
	key := strings.ToLower(token[:idx])
	if !operators[key] {
		return "", "", false
	}
	return key, strings.Trim(token[idx+1:], `"`), true
}

// tokenizeQuery splits on whitespace, keeping quoted phrases together. An operator
// followed by a space and a quoted phrase ("from: "John Doe"") is one token.
func tokenizeQuery(query string) []string {
	var tokens []string
	var current strings.Builder
	inQuotes := false

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '"':
			inQuotes = !inQuotes
		case (ch == ' ' || ch == '\t') && !inQuotes:
			if strings.HasSuffix(current.String(), ":") {
				j := i
				for j < len(query) && (query[j] == ' ' || query[j] == '\t') {
					j++
				}
				if j < len(query) && query[j] == '"' {
					i = j - 1
					continue
				}
			}
			flush()
		default:
			current.WriteByte(ch)
		}
	}
	flush()
	return tokens
}

func applyState(criteria *imap.SearchCriteria, value string) error {
	switch strings.ToLower(value) {
	case "unread":
		criteria.WithoutFlags = append(criteria.WithoutFlags, imap.SeenFlag)
	case "read":
		criteria.WithFlags = append(criteria.WithFlags, imap.SeenFlag)
	case "starred", "flagged":
		criteria.WithFlags = append(criteria.WithFlags, imap.FlaggedFlag)
	case "draft":
		criteria.WithFlags = append(criteria.WithFlags, imap.DraftFlag)
	default:
		return fmt.Errorf("unsupported is: value %q", value)
	}
	return nil
}

func headerCriteria(key, value string) *imap.SearchCriteria {
	c := imap.NewSearchCriteria()
	c.Header.Add(key, value)
	return c
}

func isEmailAddress(token string) bool {
	at := strings.IndexByte(token, '@')
	return at > 0 && at < len(token)-1 && !strings.ContainsAny(token, " :<>") &&
		strings.Contains(token[at+1:], ".")
}

func parseDate(value string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "2006/01/02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date format %q, expected YYYY-MM-DD", value)
}

func relativeDate(value string) (time.Time, error) {
	if len(value) < 2 {
		return time.Time{}, fmt.Errorf("invalid relative date %q", value)
	}
	n, err := strconv.Atoi(value[:len(value)-1])
	if err != nil || n < 0 {
		return time.Time{}, fmt.Errorf("invalid relative date %q", value)
	}

	today := now()
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	switch strings.ToLower(value[len(value)-1:]) {
	case "d":
		return today.AddDate(0, 0, -n), nil
	case "w":
		return today.AddDate(0, 0, -7*n), nil
	case "m":
		return today.AddDate(0, -n, 0), nil
	case "y":
		return today.AddDate(-n, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("invalid relative date %q", value)
	}
}

// ApplyPagination returns the page of items starting at the decimal offset in
// pageToken. The next token is empty once the end is reached.
func ApplyPagination[T any](items []T, pageToken string, maxResults int) ([]T, string) {
	offset := 0
	if pageToken != "" {
		if n, err := strconv.Atoi(pageToken); err == nil && n > 0 {
			offset = n
		}
	}
	if maxResults <= 0 {
		maxResults = DefaultPageSize
	}
	if offset >= len(items) {
		return []T{}, ""
	}

	end := offset + min(maxResults, len(items)-offset)
	next := ""
	if end < len(items) {
		next = strconv.Itoa(end)
	}
	return items[offset:end], next
}
