package testutil

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// ICloudFolders are the mailboxes an iCloud account starts with besides INBOX.
var ICloudFolders = []string{"Sent Messages", "Drafts", "Deleted Messages", "Junk", "Archive"}

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string
}

// NewTestIMAPServer creates a new test IMAP server with an in-memory backend.
// The memory backend creates a default user with username "username" and password "password".
// The server advertises MOVE but refuses it, like the bare memory backend does.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()
	return startIMAPServer(t, be, be)
}

func startIMAPServer(t *testing.T, be backend.Backend, mem *memory.Backend) *TestIMAPServer {
	t.Helper()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	addr := listener.Addr().String()

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server error: %v", err)
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	cleanup := func() {
		_ = s.Close()
	}

	return &TestIMAPServer{
		Server:   s,
		Address:  addr,
		Backend:  mem,
		cleanup:  cleanup,
		username: "username",
		password: "password",
	}
}

// ServerOption tweaks an iCloud test server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	refuseMove bool
}

// WithoutMove makes the server refuse MOVE commands, so clients must copy and expunge.
func WithoutMove() ServerOption {
	return func(o *serverOptions) { o.refuseMove = true }
}

// NewICloudTestServer starts a test server laid out like a fresh iCloud mailbox:
// an empty INBOX plus the standard folders. It supports MOVE unless WithoutMove
// is given. The server is closed on test cleanup.
func NewICloudTestServer(t *testing.T, opts ...ServerOption) *TestIMAPServer {
	t.Helper()

	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	mem := memory.New()
	var be backend.Backend = moveBackend{mem}
	if o.refuseMove {
		be = mem
	}
	s := startIMAPServer(t, be, mem)
	t.Cleanup(s.Close)

	s.ClearFolder(t, "INBOX")
	for _, name := range ICloudFolders {
		s.CreateFolder(t, name)
	}
	return s
}

// moveBackend adds MOVE support to the memory backend's mailboxes.
type moveBackend struct {
	*memory.Backend
}

func (b moveBackend) Login(info *imap.ConnInfo, username, password string) (backend.User, error) {
	user, err := b.Backend.Login(info, username, password)
	if err != nil {
		return nil, err
	}
	return moveUser{user}, nil
}

type moveUser struct {
	backend.User
}

func (u moveUser) GetMailbox(name string) (backend.Mailbox, error) {
	mbox, err := u.User.GetMailbox(name)
	if err != nil {
		return nil, err
	}
	if m, ok := mbox.(*memory.Mailbox); ok {
		return moveMailbox{m}, nil
	}
	return mbox, nil
}

type moveMailbox struct {
	*memory.Mailbox
}

// MoveMessages copies the messages and drops exactly those from the source.
func (m moveMailbox) MoveMessages(uid bool, seqset *imap.SeqSet, dest string) error {
	if err := m.CopyMessages(uid, seqset, dest); err != nil {
		return err
	}

	kept := make([]*memory.Message, 0, len(m.Messages))
	for i, msg := range m.Messages {
		id := uint32(i + 1)
		if uid {
			id = msg.Uid
		}
		if !seqset.Contains(id) {
			kept = append(kept, msg)
		}
	}
	m.Messages = kept
	return nil
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Host returns the listening host.
func (s *TestIMAPServer) Host() string {
	host, _, _ := net.SplitHostPort(s.Address)
	return host
}

// Port returns the listening port.
func (s *TestIMAPServer) Port() int {
	_, port, _ := net.SplitHostPort(s.Address)
	n, _ := strconv.Atoi(port)
	return n
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	cleanup := func() {
		_ = client.Logout()
	}

	return client, cleanup
}

// EnsureINBOX ensures the INBOX folder exists for the default user.
func (s *TestIMAPServer) EnsureINBOX(t *testing.T) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select("INBOX", false); err != nil {
		if err := client.Create("INBOX"); err != nil {
			t.Fatalf("Failed to create INBOX: %v", err)
		}
	}
}

// CreateFolder creates a mailbox.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// ClearFolder removes every message from a mailbox. The memory backend seeds
// INBOX with a sample message that most tests don't want.
func (s *TestIMAPServer) ClearFolder(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	status, err := client.Select(name, false)
	if err != nil {
		t.Fatalf("Failed to select folder %s: %v", name, err)
	}
	if status.Messages == 0 {
		return
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, status.Messages)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := client.Store(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag messages in %s: %v", name, err)
	}
	if err := client.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge %s: %v", name, err)
	}
}

// AddMessage adds a plain-text test message to the specified folder and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time) uint32 {
	t.Helper()

	raw := fmt.Sprintf("Message-ID: %s\r\nDate: %s\r\nFrom: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nTest message body.\r\n",
		messageID, sentAt.Format(time.RFC1123Z), from, to, subject)

	return s.AppendRaw(t, folderName, messageID, raw, imap.SeenFlag)
}

// AppendRaw appends a raw RFC 822 message and returns the UID found for messageID.
func (s *TestIMAPServer) AppendRaw(t *testing.T, folderName, messageID, raw string, flags ...string) uint32 {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Append(folderName, flags, time.Now(), strings.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	if _, err := client.Select(folderName, false); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", messageID)
	uids, err := client.UidSearch(criteria)
	if err != nil {
		t.Fatalf("Failed to search for message: %v", err)
	}
	if len(uids) == 0 {
		t.Fatalf("Message not found after append")
	}

	return uids[len(uids)-1]
}

// StoredMessage is a message as seen directly on the server.
type StoredMessage struct {
	UID       uint32
	MessageID string
	Subject   string
	Flags     []string
	Raw       string
}

// HasFlag reports whether the message carries flag.
func (m StoredMessage) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Messages returns every message of a folder, read straight from the server.
func (s *TestIMAPServer) Messages(t *testing.T, folderName string) []StoredMessage {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	status, err := client.Select(folderName, true)
	if err != nil {
		t.Fatalf("Failed to select folder %s: %v", folderName, err)
	}
	if status.Messages == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, status.Messages)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, status.Messages)
	done := make(chan error, 1)
	go func() {
		done <- client.Fetch(seqSet, items, messages)
	}()

	var result []StoredMessage
	for msg := range messages {
		stored := StoredMessage{UID: msg.Uid, Flags: msg.Flags}
		if msg.Envelope != nil {
			stored.MessageID = msg.Envelope.MessageId
			stored.Subject = msg.Envelope.Subject
		}
		if r := msg.GetBody(section); r != nil {
			raw, _ := io.ReadAll(r)
			stored.Raw = string(raw)
		}
		result = append(result, stored)
	}
	if err := <-done; err != nil {
		t.Fatalf("Failed to fetch messages: %v", err)
	}
	return result
}

// Folders returns the names of all mailboxes.
func (s *TestIMAPServer) Folders(t *testing.T) []string {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- client.List("", "*", mailboxes)
	}()

	var names []string
	for m := range mailboxes {
		names = append(names, m.Name)
	}
	if err := <-done; err != nil {
		t.Fatalf("Failed to list folders: %v", err)
	}
	return names
}
