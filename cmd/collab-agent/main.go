// collab-agent mirrors one server document into a local file. Edits saved
// to the file are pushed to the document; remote edits are written back.
// The server can be given explicitly or discovered over mDNS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"freelancehub/collab/session"
	"freelancehub/collab/transport"
)

const discoveryService = "_collab._tcp"

func main() {
	var (
		serverURL = flag.String("server", "", "server base URL (empty: discover via mDNS)")
		docID     = flag.String("doc", "", "document ID to mirror")
		filePath  = flag.String("file", "", "local file to mirror the document into")
		name      = flag.String("name", "", "display name shown to collaborators")
		token     = flag.String("token", os.Getenv("COLLAB_AUTH_TOKEN"), "bearer token")
		interval  = flag.Duration("interval", time.Second, "local file poll interval")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *docID == "" || *filePath == "" {
		fmt.Fprintln(os.Stderr, "usage: collab-agent -doc <id> -file <path> [-server <url>]")
		os.Exit(2)
	}
	if err := run(logger, *serverURL, *docID, *filePath, *name, *token, *interval); err != nil {
		logger.Error("collab-agent failed", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, serverURL, docID, filePath, name, token string, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serverURL == "" {
		discovered, err := discoverServer(ctx, logger)
		if err != nil {
			return err
		}
		serverURL = discovered
	}
	wsURL, err := websocketURL(serverURL)
	if err != nil {
		return err
	}

	clientID := uuid.NewString()
	if name == "" {
		host, _ := os.Hostname()
		name = "agent@" + host
	}

	journal, err := openJournal()
	if err != nil {
		logger.Warn("journal unavailable, edits will not survive restarts", "err", err)
	} else {
		defer journal.Close()
	}

	tc := transport.NewClient(transport.Config{Logger: logger})
	if err := tc.Connect(ctx, transport.Credentials{URL: wsURL, Token: token, ClientID: clientID}); err != nil {
		return err
	}
	defer tc.Disconnect()

	mirror := newMirror(filePath, logger)
	sess, err := session.Open(ctx, session.Config{
		DocID:       docID,
		ClientID:    clientID,
		DisplayName: name,
		Transport:   tc,
		Fetcher:     transport.NewFetcher(serverURL, token),
		Journal:     journal,
		Logger:      logger,
		OnUpdate:    mirror.write,
		OnState: func(st session.State) {
			logger.Info("session state", "state", st.String())
		},
		OnError: func(err error) {
			logger.Error("session error", "err", err)
		},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	logger.Info("mirroring document", "doc", docID, "file", filePath, "server", serverURL)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			content, err := mirror.read()
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					logger.Warn("read file failed", "err", err)
				}
				continue
			}
			if content == sess.Content() {
				continue
			}
			if err := sess.OnLocalEdit(content); err != nil {
				logger.Warn("push edit failed", "err", err)
			}
		}
	}
}

// discoverServer browses mDNS for a collabd instance and returns its base
// URL.
func discoverServer(ctx context.Context, logger *slog.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := resolver.Browse(browseCtx, discoveryService, "local.", entries); err != nil {
		return "", fmt.Errorf("mDNS browse: %w", err)
	}
	logger.Info("discovering server", "service", discoveryService)
	for {
		select {
		case <-browseCtx.Done():
			return "", fmt.Errorf("no %s service found on the local network", discoveryService)
		case entry, ok := <-entries:
			if !ok || entry == nil || len(entry.AddrIPv4) == 0 {
				continue
			}
			addr := fmt.Sprintf("http://%s:%d", entry.AddrIPv4[0], entry.Port)
			logger.Info("discovered server", "instance", entry.Instance, "addr", addr)
			return addr, nil
		}
	}
}

func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func openJournal() (*session.Journal, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return nil, err
	}
	dir = filepath.Join(dir, "collab-agent")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return session.OpenJournal(filepath.Join(dir, "journal.db"))
}

// mirror writes session updates to the local file and reads local changes
// back, suppressing the echo of its own writes.
type mirror struct {
	path   string
	logger *slog.Logger

	mu          sync.Mutex
	lastWritten string
}

func newMirror(path string, logger *slog.Logger) *mirror {
	return &mirror{path: path, logger: logger}
}

func (m *mirror) write(upd session.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if upd.Content == m.lastWritten {
		return
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(upd.Content), 0o644); err != nil {
		m.logger.Warn("write mirror file failed", "err", err)
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		m.logger.Warn("replace mirror file failed", "err", err)
		return
	}
	m.lastWritten = upd.Content
}

func (m *mirror) read() (string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
