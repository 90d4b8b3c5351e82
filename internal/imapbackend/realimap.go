package imapbackend

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/ifap/ifapfs/internal/config"
)

// RealBackend is a Backend that talks to a live IMAP server. It wraps
// go-imap/v2 with automatic reconnection and mutex-serialized access,
// and backs ifap's Sequence with the message UID rather than the raw
// IMAP sequence number: raw sequence numbers are renumbered by
// EXPUNGE, which would violate the protocol's "never reused, strictly
// monotonic" invariant, while UIDs are stable for the life of a
// UIDVALIDITY epoch.
type RealBackend struct {
	cfg    config.IMAPConfig
	folder string
	logger *slog.Logger

	mu         sync.Mutex
	client     *imapclient.Client
	selected   bool
	uidvalid   uint32
	haveUIDVal bool
}

// NewRealBackend creates a Backend for the given account/folder. The
// connection is established lazily on first use.
func NewRealBackend(cfg config.IMAPConfig, folder string, logger *slog.Logger) *RealBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &RealBackend{cfg: cfg, folder: folder, logger: logger}
}

func (b *RealBackend) connectLocked(ctx context.Context) error {
	if b.client != nil {
		_ = b.client.Close()
		b.client = nil
		b.selected = false
	}

	addr := net.JoinHostPort(b.cfg.Host, fmt.Sprintf("%d", b.cfg.Port))

	var opts imapclient.Options
	if b.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: b.cfg.Host}
	}

	b.logger.Debug("connecting to IMAP server", "host", b.cfg.Host, "port", b.cfg.Port, "tls", b.cfg.TLS)

	var client *imapclient.Client
	var err error
	if b.cfg.TLS {
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", errBackendUnavailable, addr, err)
	}

	loginCmd := client.Login(b.cfg.Username, b.cfg.Password)
	if err := loginCmd.Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("%w: login as %s: %v", errBackendUnavailable, b.cfg.Username, err)
	}

	b.client = client
	b.logger.Info("IMAP connected", "host", b.cfg.Host, "user", b.cfg.Username)
	return nil
}

func (b *RealBackend) ensureConnectedLocked(ctx context.Context) error {
	if b.client != nil {
		if err := b.client.Noop().Wait(); err == nil {
			return nil
		}
		b.logger.Debug("IMAP connection stale, reconnecting", "host", b.cfg.Host)
	}
	return b.connectLocked(ctx)
}

// Select implements Backend.
func (b *RealBackend) Select(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureConnectedLocked(ctx); err != nil {
		return err
	}

	cmd := b.client.Select(b.folder, nil)
	data, err := cmd.Wait()
	if err != nil {
		return fmt.Errorf("%w: select %s: %v", errBackendUnavailable, b.folder, err)
	}

	// A changed UIDVALIDITY means the server has renumbered or
	// recreated the mailbox; previously observed UIDs are no longer
	// meaningful. The protocol treats this as a hard error rather than
	// silently reinterpreting sequences (see DESIGN.md Open Question 1).
	if b.haveUIDVal && b.uidvalid != data.UIDValidity {
		return fmt.Errorf("%w: UIDVALIDITY changed for %s (was %d, now %d)",
			errBackendUnavailable, b.folder, b.uidvalid, data.UIDValidity)
	}
	b.uidvalid = data.UIDValidity
	b.haveUIDVal = true
	b.selected = true
	return nil
}

// SearchAll implements Backend.
func (b *RealBackend) SearchAll(ctx context.Context) ([]uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureSelectedLocked(ctx); err != nil {
		return nil, err
	}

	cmd := b.client.UIDSearch(&imap.SearchCriteria{}, nil)
	data, err := cmd.Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %v", errBackendUnavailable, b.folder, err)
	}

	uids := data.AllUIDs()
	out := make([]uint32, len(uids))
	for i, u := range uids {
		out[i] = uint32(u)
	}
	return out, nil
}

func (b *RealBackend) ensureSelectedLocked(ctx context.Context) error {
	if err := b.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	if b.selected {
		return nil
	}
	b.mu.Unlock()
	err := b.Select(ctx)
	b.mu.Lock()
	return err
}

// FetchHeaderPrefix implements Backend: a partial BodySection fetch of
// the whole message (no part specifier, so the first n bytes cover the
// header and then the body), peeking so the flags are not disturbed by
// reconciliation.
func (b *RealBackend) FetchHeaderPrefix(ctx context.Context, seq uint32, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureSelectedLocked(ctx); err != nil {
		return nil, err
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(seq))

	fetchOpts := &imap.FetchOptions{
		UID: true,
		BodySection: []*imap.FetchItemBodySection{
			{
				Peek:    true,
				Partial: &imap.SectionPartial{Offset: 0, Size: int64(n)},
			},
		},
	}

	fetchCmd := b.client.Fetch(uidSet, fetchOpts)
	msg := fetchCmd.Next()
	if msg == nil {
		_ = fetchCmd.Close()
		return nil, fmt.Errorf("%w: UID %d not found in %s", errBackendUnavailable, seq, b.folder)
	}

	var header []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		if data, ok := item.(imapclient.FetchItemDataBodySection); ok && data.Literal != nil {
			buf, err := io.ReadAll(data.Literal)
			if err == nil {
				header = buf
			}
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("%w: fetch UID %d: %v", errBackendUnavailable, seq, err)
	}
	return header, nil
}

// Append implements Backend.
func (b *RealBackend) Append(ctx context.Context, msg []byte) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureSelectedLocked(ctx); err != nil {
		return 0, err
	}

	appendCmd := b.client.Append(b.folder, int64(len(msg)), nil)
	if _, err := appendCmd.Write(msg); err != nil {
		_ = appendCmd.Close()
		return 0, fmt.Errorf("%w: write message: %v", errAppendFailed, err)
	}
	if err := appendCmd.Close(); err != nil {
		return 0, fmt.Errorf("%w: close append: %v", errAppendFailed, err)
	}
	data, err := appendCmd.Wait()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errAppendFailed, err)
	}
	return uint32(data.UID), nil
}

// MarkDeleted implements Backend.
func (b *RealBackend) MarkDeleted(ctx context.Context, seqs []uint32) error {
	if len(seqs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureSelectedLocked(ctx); err != nil {
		return err
	}

	uidSet := imap.UIDSet{}
	for _, s := range seqs {
		uidSet.AddNum(imap.UID(s))
	}

	storeCmd := b.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("%w: store +Deleted: %v", errBackendUnavailable, err)
	}
	return nil
}

// Expunge implements Backend.
func (b *RealBackend) Expunge(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureSelectedLocked(ctx); err != nil {
		return err
	}

	expungeCmd := b.client.Expunge()
	if err := expungeCmd.Close(); err != nil {
		return fmt.Errorf("%w: expunge: %v", errBackendUnavailable, err)
	}
	return nil
}

// Close implements Backend.
func (b *RealBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	b.selected = false
	return err
}
