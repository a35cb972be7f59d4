package sorter

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mtfss/internal/mailbox"
	"github.com/tracyhatemice/mtfss/internal/routing"
)

func startMemServer(t *testing.T, caps imap.CapSet, folders ...string) string {
	t.Helper()

	memSrv := imapmemserver.New()
	user := imapmemserver.NewUser("sorter", "secret")
	require.NoError(t, user.Create("INBOX", nil))
	for _, f := range folders {
		require.NoError(t, user.Create(f, nil))
	}
	memSrv.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(_ *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memSrv.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Caps:         caps,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String()
}

func adminClient(t *testing.T, addr string) *imapclient.Client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	c := imapclient.New(conn, nil)
	require.NoError(t, c.Login("sorter", "secret").Wait())
	t.Cleanup(func() { c.Close() })
	return c
}

func appendTo(t *testing.T, c *imapclient.Client, folder, to string) {
	t.Helper()
	raw := "From: sender@remote.org\r\n" +
		"To: " + to + "\r\n" +
		"Subject: hello\r\n" +
		"\r\n" +
		"body\r\n"
	cmd := c.Append(folder, int64(len(raw)), nil)
	_, err := cmd.Write([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, cmd.Close())
	_, err = cmd.Wait()
	require.NoError(t, err)
}

func countIn(t *testing.T, c *imapclient.Client, folder string) int {
	t.Helper()
	data, err := c.Status(folder, &imap.StatusOptions{NumMessages: true}).Wait()
	require.NoError(t, err)
	return int(*data.NumMessages)
}

func folderNames(t *testing.T, c *imapclient.Client) map[string]bool {
	t.Helper()
	list, err := c.List("", "*", nil).Collect()
	require.NoError(t, err)
	names := make(map[string]bool, len(list))
	for _, d := range list {
		names[d.Mailbox] = true
	}
	return names
}

func TestRun_AgainstIMAPServer(t *testing.T) {
	tests := []struct {
		name string
		caps imap.CapSet
	}{
		{name: "imap4rev1 only", caps: imap.CapSet{imap.CapIMAP4rev1: {}}},
		{name: "move and uidplus", caps: imap.CapSet{imap.CapIMAP4rev1: {}, imap.CapMove: {}, imap.CapUIDPlus: {}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := startMemServer(t, tt.caps, "carol", "ignore/carol")
			admin := adminClient(t, addr)
			appendTo(t, admin, "carol", "carol@example.com")
			for _, to := range []string{
				"alice@example.com", "bob@other.com", "carol@example.com", "not-an-email",
				"INBOX@example.com", "inbox@example.com", "unmatched@example.com",
			} {
				appendTo(t, admin, "INBOX", to)
			}

			host, portStr, err := net.SplitHostPort(addr)
			require.NoError(t, err)
			port, err := strconv.Atoi(portStr)
			require.NoError(t, err)

			loop := New(testConfig(), mailbox.NewDialer(mailbox.Options{
				Host:     host,
				Port:     port,
				Security: mailbox.SecurityInsecure,
				Username: "sorter",
				Password: "secret",
				Logger:   discard(),
			}), discard())
			loop.minBackoff = 0

			stats, err := loop.Run(context.Background())
			require.NoError(t, err)
			assert.Zero(t, stats.Failed)
			assert.Equal(t, 7, stats.Total())
			assert.Equal(t, 1, stats.Routed[routing.Ignore])

			names := folderNames(t, admin)
			assert.False(t, names["carol"], "active folder of an ignored user must be removed")
			assert.True(t, names["alice"])
			assert.True(t, names["bob@other.com"])
			assert.True(t, names["unmatched"])

			assert.Equal(t, 0, countIn(t, admin, "INBOX"))
			assert.Equal(t, 1, countIn(t, admin, "alice"))
			assert.Equal(t, 1, countIn(t, admin, "bob@other.com"))
			assert.Equal(t, 1, countIn(t, admin, "unmatched"))
			assert.Equal(t, 2, countIn(t, admin, "ignore/carol"))
			assert.Equal(t, 1, countIn(t, admin, "INBOX@example.com"))
			assert.Equal(t, 1, countIn(t, admin, "inbox@example.com"))
			assert.Equal(t, 1, countIn(t, admin, "unmatched@example.com"))
		})
	}
}
