// Package notify implements the datagram channel workers use to report back to
// the manager. Messages are newline separated KEY=value assignments; the
// sender is identified by the kernel-supplied credentials, never by content.
package notify

import (
	"bytes"
	"strconv"
	"strings"
)

// Kind classifies a worker message.
type Kind int

const (
	// KindDone reports that the current event has been processed.
	KindDone Kind = iota
	// KindWatchAdd asks the manager to watch Path for the current device.
	KindWatchAdd
	// KindWatchRemove drops the watch of the current device.
	KindWatchRemove
	// KindTryAgain reports the device is locked and the event should be retried.
	KindTryAgain
)

const (
	keyWatchAdd    = "INOTIFY_WATCH_ADD"
	keyWatchRemove = "INOTIFY_WATCH_REMOVE"
	keyTryAgain    = "TRY_AGAIN"
	keyProcessed   = "PROCESSED"
)

func (k Kind) String() string {
	switch k {
	case KindDone:
		return "done"
	case KindWatchAdd:
		return "watch-add"
	case KindWatchRemove:
		return "watch-remove"
	case KindTryAgain:
		return "try-again"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Message is a parsed worker notification.
type Message struct {
	// Pid is the sender as reported by SCM_CREDENTIALS.
	Pid  int
	Kind Kind
	// Path is set for KindWatchAdd.
	Path string
}

// Parse decodes a datagram. Anything that is not a watch or retry request is
// treated as completion.
func Parse(b []byte) Message {
	fields := make(map[string]string)
	for _, line := range bytes.Split(b, []byte{'\n'}) {
		k, v, ok := strings.Cut(strings.TrimSpace(string(line)), "=")
		if !ok || k == "" {
			continue
		}
		fields[k] = v
	}
	if p := fields[keyWatchAdd]; p != "" {
		return Message{Kind: KindWatchAdd, Path: p}
	}
	if isSet(fields[keyWatchRemove]) {
		return Message{Kind: KindWatchRemove}
	}
	if isSet(fields[keyTryAgain]) {
		return Message{Kind: KindTryAgain}
	}
	return Message{Kind: KindDone}
}

// Bytes encodes m in the wire format understood by Parse.
func (m Message) Bytes() []byte {
	switch m.Kind {
	case KindWatchAdd:
		return []byte(keyWatchAdd + "=" + m.Path)
	case KindWatchRemove:
		return []byte(keyWatchRemove + "=1")
	case KindTryAgain:
		return []byte(keyTryAgain + "=1")
	default:
		return []byte(keyProcessed + "=1")
	}
}

// isSet matches the literal "1" the workers send.
func isSet(v string) bool { return v == "1" }
