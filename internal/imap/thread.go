package imap

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/vdavid/maildriver/internal/models"
)

// SubjectThreadPrefix marks thread ids derived from a subject hash rather than a
// Message-ID.
const SubjectThreadPrefix = "thread-"

var (
	msgIDPattern = regexp.MustCompile(`<[^<>\s]+>`)
	// Re:, Fwd:, AW:, Re[2]: and friends, possibly stacked.
	replyPrefixPattern = regexp.MustCompile(`(?i)^\s*(re|fw|fwd|aw|wg|sv|vs|antw|tr|rif)\s*(\[\d+\])?\s*:\s*`)
	spacePattern       = regexp.MustCompile(`\s+`)
)

// ThreadGrouper derives a thread id for a message. ok is false when the grouper
// has no opinion and the next one should be asked.
type ThreadGrouper interface {
	ThreadID(messageID, subject, references, inReplyTo string) (id string, ok bool)
}

// ReferenceChainGrouper uses the root of the References chain, then In-Reply-To.
type ReferenceChainGrouper struct{}

func (ReferenceChainGrouper) ThreadID(_, _, references, inReplyTo string) (string, bool) {
	if id := firstMessageID(references); id != "" {
		return id, true
	}
	if id := firstMessageID(inReplyTo); id != "" {
		return id, true
	}
	return "", false
}

// SubjectHashGrouper groups replies and forwards that lost their headers by the
// hash of their cleaned subject.
type SubjectHashGrouper struct{}

func (SubjectHashGrouper) ThreadID(_, subject, _, _ string) (string, bool) {
	if !IsReplySubject(subject) {
		return "", false
	}
	return SubjectThreadID(subject), true
}

// GrouperChain asks each grouper in order and falls back to the message's own id.
type GrouperChain []ThreadGrouper

func (g GrouperChain) ThreadID(messageID, subject, references, inReplyTo string) (string, bool) {
	for _, grouper := range g {
		if id, ok := grouper.ThreadID(messageID, subject, references, inReplyTo); ok {
			return id, true
		}
	}
	if messageID != "" {
		return messageID, true
	}
	return SubjectThreadID(subject), true
}

// DefaultGrouper is the grouping used by the driver.
var DefaultGrouper = GrouperChain{ReferenceChainGrouper{}, SubjectHashGrouper{}}

// GenerateThreadID returns the thread id for a message. The result only depends on
// its inputs, so repeated fetches of the same message agree.
func GenerateThreadID(messageID, subject, references, inReplyTo string) string {
	id, _ := DefaultGrouper.ThreadID(messageID, subject, references, inReplyTo)
	return id
}

func firstMessageID(header string) string {
	if m := msgIDPattern.FindString(header); m != "" {
		return m
	}
	fields := strings.Fields(header)
	if len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// IsReplySubject reports whether the subject starts with a reply or forward prefix.
func IsReplySubject(subject string) bool {
	return replyPrefixPattern.MatchString(subject)
}

// CleanSubject strips reply and forward prefixes, lower-cases and collapses spaces.
func CleanSubject(subject string) string {
	s := subject
	for {
		stripped := replyPrefixPattern.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(strings.TrimSpace(spacePattern.ReplaceAllString(s, " ")))
}

// SubjectThreadID hashes the cleaned subject into a "thread-" id.
func SubjectThreadID(subject string) string {
	sum := sha256.Sum256([]byte(CleanSubject(subject)))
	return SubjectThreadPrefix + hex.EncodeToString(sum[:])[:16]
}

// GroupThreads assembles messages into threads. Messages inside a thread are
// ordered oldest first; threads are ordered by their latest message, newest first.
// The same Message-ID seen in several folders is kept once with merged tags.
func GroupThreads(messages []*models.ParsedMessage) []*models.Thread {
	byThread := make(map[string]*models.Thread)
	var order []string
	seen := make(map[string]*models.ParsedMessage)

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if prev, ok := seen[msg.ID]; ok {
			prev.Tags = mergeLabels(prev.Tags, msg.Tags)
			continue
		}
		seen[msg.ID] = msg

		thread, ok := byThread[msg.ThreadID]
		if !ok {
			thread = &models.Thread{ID: msg.ThreadID}
			byThread[msg.ThreadID] = thread
			order = append(order, msg.ThreadID)
		}
		thread.Messages = append(thread.Messages, msg)
	}

	threads := make([]*models.Thread, 0, len(order))
	for _, id := range order {
		thread := byThread[id]
		FinalizeThread(thread)
		threads = append(threads, thread)
	}

	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].Latest.ReceivedOn.After(threads[j].Latest.ReceivedOn)
	})
	return threads
}

// BuildThread assembles messages already known to share a thread under the given
// id. Duplicates by Message-ID are merged the same way as in GroupThreads.
func BuildThread(id string, messages []*models.ParsedMessage) *models.Thread {
	thread := &models.Thread{ID: id}
	seen := make(map[string]*models.ParsedMessage)
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if prev, ok := seen[msg.ID]; ok {
			prev.Tags = mergeLabels(prev.Tags, msg.Tags)
			continue
		}
		seen[msg.ID] = msg
		thread.Messages = append(thread.Messages, msg)
	}
	FinalizeThread(thread)
	return thread
}

// FinalizeThread sorts the messages and fills the derived thread fields.
func FinalizeThread(thread *models.Thread) {
	sort.SliceStable(thread.Messages, func(i, j int) bool {
		return thread.Messages[i].ReceivedOn.Before(thread.Messages[j].ReceivedOn)
	})

	thread.HasUnread = false
	thread.TotalReplies = 0
	thread.Labels = nil
	for _, msg := range thread.Messages {
		if msg.Unread {
			thread.HasUnread = true
		}
		if !msg.IsDraft {
			thread.TotalReplies++
		}
		thread.Labels = mergeLabels(thread.Labels, msg.Tags)
	}
	if n := len(thread.Messages); n > 0 {
		thread.Latest = thread.Messages[n-1]
	}
}

func mergeLabels(dst, src []models.Label) []models.Label {
	for _, l := range src {
		found := false
		for _, existing := range dst {
			if existing.ID == l.ID {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, l)
		}
	}
	return dst
}
