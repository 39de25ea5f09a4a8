package imap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/maildriver/internal/testutil"
)

func newTestSession(t *testing.T, server *testutil.TestIMAPServer) *Session {
	t.Helper()

	s := NewSession(Settings{
		Host:     server.Host(),
		Port:     server.Port(),
		Security: SecurityNone,
		Username: server.Username(),
		Password: server.Password(),
	}, zerolog.Nop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func connectedSession(t *testing.T, server *testutil.TestIMAPServer) *Session {
	t.Helper()

	s := newTestSession(t, server)
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func rawMessage(messageID, subject string) string {
	return fmt.Sprintf("Message-ID: %s\r\nFrom: Alice <alice@example.com>\r\nTo: bob@example.com\r\nSubject: %s\r\nDate: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nHello %s\r\n",
		messageID, subject, time.Now().Format(time.RFC1123Z), subject)
}

func TestSession_Connect(t *testing.T) {
	t.Run("connects and authenticates", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		s := newTestSession(t, server)

		assert.Equal(t, StateDisconnected, s.State())
		require.NoError(t, s.Connect(context.Background()))
		assert.True(t, s.IsConnected())
		assert.Equal(t, StateConnected, s.State())

		// Second connect is a no-op.
		require.NoError(t, s.Connect(context.Background()))
	})

	t.Run("rejects wrong password", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		s := NewSession(Settings{
			Host:     server.Host(),
			Port:     server.Port(),
			Security: SecurityNone,
			Username: server.Username(),
			Password: "wrong",
		}, zerolog.Nop())

		err := s.Connect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to authenticate")
		assert.False(t, s.IsConnected())
		assert.Equal(t, StateDisconnected, s.State())
	})

	t.Run("fails against closed port", func(t *testing.T) {
		s := NewSession(Settings{Host: "127.0.0.1", Port: 1, Security: SecurityNone, ConnectTimeout: time.Second}, zerolog.Nop())
		err := s.Connect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to dial")
	})

	t.Run("cannot reconnect after close", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		s := connectedSession(t, server)

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		assert.Equal(t, StateClosed, s.State())
		assert.ErrorIs(t, s.Connect(context.Background()), ErrSessionClosed)
	})

	t.Run("honors canceled context", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		s := newTestSession(t, server)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, s.Connect(ctx), context.Canceled)
	})
}

func TestSession_WithFolder(t *testing.T) {
	t.Run("fails when not connected", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		s := newTestSession(t, server)

		err := s.WithFolder(context.Background(), "INBOX", func(*Folder) error { return nil })
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("fails for unknown folder", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		s := connectedSession(t, server)

		err := s.WithFolder(context.Background(), "Nope", func(*Folder) error { return nil })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to select folder Nope")
		assert.Equal(t, "", s.SelectedFolder())
	})

	t.Run("memoizes selection", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		s := connectedSession(t, server)

		for i := 0; i < 2; i++ {
			err := s.WithFolder(context.Background(), "Drafts", func(f *Folder) error {
				assert.Equal(t, "Drafts", f.Name())
				return nil
			})
			require.NoError(t, err)
		}
		assert.Equal(t, "Drafts", s.SelectedFolder())
	})

	t.Run("folder handle is unusable after the callback", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		s := connectedSession(t, server)

		var leaked *Folder
		require.NoError(t, s.WithFolder(context.Background(), "INBOX", func(f *Folder) error {
			leaked = f
			return nil
		}))

		_, err := leaked.Search(nil)
		assert.ErrorIs(t, err, ErrNoFolderSelected)
	})

	t.Run("sees messages appended to the selected folder", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		s := connectedSession(t, server)
		ctx := context.Background()

		require.NoError(t, s.WithFolder(ctx, "INBOX", func(f *Folder) error {
			uids, err := f.Search(nil)
			assert.Empty(t, uids)
			return err
		}))

		require.NoError(t, s.Append(ctx, "INBOX", nil, time.Time{}, []byte(rawMessage("<a@x>", "first"))))

		require.NoError(t, s.WithFolder(ctx, "INBOX", func(f *Folder) error {
			uids, err := f.Search(nil)
			assert.Len(t, uids, 1)
			return err
		}))
	})
}

func TestFolder_Operations(t *testing.T) {
	ctx := context.Background()

	t.Run("finds by Message-ID and falls back to UID", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		uid := server.AppendRaw(t, "INBOX", "<find@x>", rawMessage("<find@x>", "find me"))
		s := connectedSession(t, server)

		require.NoError(t, s.WithFolder(ctx, "INBOX", func(f *Folder) error {
			uids, err := f.FindByMessageID("<find@x>")
			require.NoError(t, err)
			assert.Equal(t, []uint32{uid}, uids)

			uids, err = f.FindByMessageID(fmt.Sprintf("%d", uid))
			require.NoError(t, err)
			assert.Equal(t, []uint32{uid}, uids)

			uids, err = f.FindByMessageID("<missing@x>")
			require.NoError(t, err)
			assert.Empty(t, uids)
			return nil
		}))
	})

	t.Run("sets and clears flags", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		uid := server.AppendRaw(t, "INBOX", "<flag@x>", rawMessage("<flag@x>", "flags"))
		s := connectedSession(t, server)

		require.NoError(t, s.WithFolder(ctx, "INBOX", func(f *Folder) error {
			return f.AddFlags([]uint32{uid}, imap.SeenFlag, imap.FlaggedFlag)
		}))
		stored := server.Messages(t, "INBOX")
		require.Len(t, stored, 1)
		assert.True(t, stored[0].HasFlag(imap.SeenFlag))
		assert.True(t, stored[0].HasFlag(imap.FlaggedFlag))

		require.NoError(t, s.WithFolder(ctx, "INBOX", func(f *Folder) error {
			return f.RemoveFlags([]uint32{uid}, imap.SeenFlag)
		}))
		stored = server.Messages(t, "INBOX")
		assert.False(t, stored[0].HasFlag(imap.SeenFlag))
		assert.True(t, stored[0].HasFlag(imap.FlaggedFlag))
	})

	t.Run("moves between folders", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		uid := server.AppendRaw(t, "INBOX", "<move@x>", rawMessage("<move@x>", "move"))
		s := connectedSession(t, server)

		require.NoError(t, s.WithFolder(ctx, "INBOX", func(f *Folder) error {
			return f.Move([]uint32{uid}, "Archive")
		}))

		assert.Empty(t, server.Messages(t, "INBOX"))
		archived := server.Messages(t, "Archive")
		require.Len(t, archived, 1)
		assert.Equal(t, "<move@x>", archived[0].MessageID)
	})

	t.Run("copies and expunges when MOVE is refused", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t, testutil.WithoutMove())
		uid := server.AppendRaw(t, "INBOX", "<fallback@x>", rawMessage("<fallback@x>", "fallback"))
		server.AppendRaw(t, "INBOX", "<other@x>", rawMessage("<other@x>", "other"))
		s := connectedSession(t, server)

		require.NoError(t, s.WithFolder(ctx, "INBOX", func(f *Folder) error {
			return f.Move([]uint32{uid}, "Archive")
		}))

		inbox := server.Messages(t, "INBOX")
		require.Len(t, inbox, 1)
		assert.Equal(t, "<other@x>", inbox[0].MessageID)
		archived := server.Messages(t, "Archive")
		require.Len(t, archived, 1)
		assert.Equal(t, "<fallback@x>", archived[0].MessageID)
		assert.True(t, s.IsConnected())
	})

	t.Run("reports a missing destination", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t, testutil.WithoutMove())
		uid := server.AppendRaw(t, "INBOX", "<stuck@x>", rawMessage("<stuck@x>", "stuck"))
		s := connectedSession(t, server)

		err := s.WithFolder(ctx, "INBOX", func(f *Folder) error {
			return f.Move([]uint32{uid}, "Nowhere")
		})
		require.Error(t, err)
		assert.Len(t, server.Messages(t, "INBOX"), 1)
	})

	t.Run("copies and deletes", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		uid := server.AppendRaw(t, "INBOX", "<copy@x>", rawMessage("<copy@x>", "copy"))
		s := connectedSession(t, server)

		require.NoError(t, s.WithFolder(ctx, "INBOX", func(f *Folder) error {
			if err := f.Copy([]uint32{uid}, "Junk"); err != nil {
				return err
			}
			return f.Delete([]uint32{uid})
		}))

		assert.Empty(t, server.Messages(t, "INBOX"))
		assert.Len(t, server.Messages(t, "Junk"), 1)
	})

	t.Run("sorts newest first", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		first := server.AppendRaw(t, "INBOX", "<s1@x>", rawMessage("<s1@x>", "one"))
		second := server.AppendRaw(t, "INBOX", "<s2@x>", rawMessage("<s2@x>", "two"))
		s := connectedSession(t, server)

		require.NoError(t, s.WithFolder(ctx, "INBOX", func(f *Folder) error {
			uids, err := f.SortedSearch(nil)
			require.NoError(t, err)
			assert.Equal(t, []uint32{second, first}, uids)
			return nil
		}))
	})

	t.Run("fetches in requested order and skips missing UIDs", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		first := server.AppendRaw(t, "INBOX", "<f1@x>", rawMessage("<f1@x>", "one"))
		second := server.AppendRaw(t, "INBOX", "<f2@x>", rawMessage("<f2@x>", "two"))
		s := connectedSession(t, server)

		require.NoError(t, s.WithFolder(ctx, "INBOX", func(f *Folder) error {
			empty, err := f.Fetch(nil, FetchHeadersOnly)
			require.NoError(t, err)
			assert.NotNil(t, empty)
			assert.Empty(t, empty)

			msgs, err := f.Fetch([]uint32{second, first, 9999}, FetchEverything)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, second, msgs[0].Uid)
			assert.Equal(t, first, msgs[1].Uid)

			parsed, err := ParseMessage(msgs[0], f.Name())
			require.NoError(t, err)
			assert.Equal(t, "<f2@x>", parsed.ID)
			assert.Equal(t, "two", parsed.Subject)
			assert.Equal(t, "alice@example.com", parsed.Sender.Email)
			assert.Contains(t, parsed.BodyText, "Hello two")
			return nil
		}))
	})
}

func TestSession_Mailboxes(t *testing.T) {
	ctx := context.Background()

	t.Run("lists iCloud folders", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		s := connectedSession(t, server)

		folders, err := s.ListFolders(ctx)
		require.NoError(t, err)
		var names []string
		for _, f := range folders {
			names = append(names, f.Name)
		}
		assert.Contains(t, names, "INBOX")
		for _, name := range testutil.ICloudFolders {
			assert.Contains(t, names, name)
		}
	})

	t.Run("reports unread counts", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		server.AppendRaw(t, "INBOX", "<u1@x>", rawMessage("<u1@x>", "unread"))
		server.AppendRaw(t, "INBOX", "<u2@x>", rawMessage("<u2@x>", "read"), imap.SeenFlag)
		s := connectedSession(t, server)

		status, err := s.Status(ctx, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, uint32(2), status.Messages)

		require.NoError(t, s.WithFolder(ctx, "INBOX", func(f *Folder) error {
			unread, err := f.CountUnread()
			assert.Equal(t, 1, unread)
			return err
		}))
	})

	t.Run("creates renames and deletes folders", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		s := connectedSession(t, server)

		require.NoError(t, s.CreateFolder(ctx, "Projects"))
		require.NoError(t, s.RenameFolder(ctx, "Projects", "Work"))
		assert.Contains(t, server.Folders(t), "Work")
		require.NoError(t, s.DeleteFolder(ctx, "Work"))
		assert.NotContains(t, server.Folders(t), "Work")
	})

	t.Run("caches capabilities", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		s := connectedSession(t, server)

		caps, err := s.Capabilities(ctx)
		require.NoError(t, err)
		assert.True(t, caps["IMAP4rev1"])
	})
}

func TestSession_Updates(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps working with no watcher", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		uids := make([]uint32, 0, 2*updateBuffer)
		for i := 0; i < 2*updateBuffer; i++ {
			id := fmt.Sprintf("<bulk%d@x>", i)
			uids = append(uids, server.AppendRaw(t, "Junk", id, rawMessage(id, "bulk")))
		}
		s := connectedSession(t, server)

		require.NoError(t, s.WithFolder(ctx, "Junk", func(f *Folder) error {
			return f.Delete(uids)
		}))
		assert.Empty(t, server.Messages(t, "Junk"))
		assert.True(t, s.IsConnected())
	})

	t.Run("hands updates to the watcher", func(t *testing.T) {
		server := testutil.NewICloudTestServer(t)
		uid := server.AppendRaw(t, "INBOX", "<gone@x>", rawMessage("<gone@x>", "gone"))
		s := connectedSession(t, server)

		updates := make(chan imapclient.Update, updateBuffer)
		s.setWatcher(updates)
		defer s.setWatcher(nil)

		require.NoError(t, s.WithFolder(ctx, "INBOX", func(f *Folder) error {
			return f.Delete([]uint32{uid})
		}))

		deadline := time.After(2 * time.Second)
		for {
			select {
			case u := <-updates:
				if _, ok := u.(*imapclient.ExpungeUpdate); ok {
					return
				}
			case <-deadline:
				t.Fatal("no expunge update delivered")
			}
		}
	})
}
