package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
)

// ftpConn is the part of *ftp.ServerConn the channel uses.
type ftpConn interface {
	Login(user, password string) error
	List(path string) ([]*ftp.Entry, error)
	Retr(path string) (io.ReadCloser, error)
	Stor(path string, r io.Reader) error
	Delete(path string) error
	Quit() error
}

type ftpDialFunc func(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error)

type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Retr(path string) (io.ReadCloser, error) {
	return c.ServerConn.Retr(path)
}

func dialFTP(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error) {
	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return serverConn{conn}, nil
}

type FTPChannel struct {
	addr     string
	dir      string
	username string
	password string
	timeout  time.Duration
	dial     ftpDialFunc
}

func newFTPChannel(u *url.URL, username, password string, timeout time.Duration) (*FTPChannel, error) {
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: ftp url without host", ErrInvalidEndpoint)
	}
	port := u.Port()
	if port == "" {
		port = "21"
	}
	if username == "" && u.User != nil {
		username = u.User.Username()
	}
	if password == "" && u.User != nil {
		password, _ = u.User.Password()
	}
	if username == "" {
		username = "anonymous"
	}
	return &FTPChannel{
		addr:     net.JoinHostPort(host, port),
		dir:      strings.TrimSuffix(u.Path, "/"),
		username: username,
		password: password,
		timeout:  timeout,
		dial:     dialFTP,
	}, nil
}

func (c *FTPChannel) String() string {
	return "ftp://" + c.addr + c.dir
}

func (c *FTPChannel) Exists(ctx context.Context, name string) (bool, error) {
	var found bool
	err := c.session(ctx, "list", name, func(s *ftpSession) error {
		entries, err := s.conn.List(c.dir)
		if err != nil {
			if isFileUnavailable(err) {
				return nil
			}
			return err
		}
		found = matchEntry(entries, name)
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (c *FTPChannel) Download(ctx context.Context, name, localPath string) error {
	return c.session(ctx, "download", name, func(s *ftpSession) error {
		resp, err := s.conn.Retr(c.remotePath(name))
		if err != nil {
			if isFileUnavailable(err) {
				return fmt.Errorf("%w: %v", ErrNotFound, err)
			}
			return err
		}
		body := s.track(resp)
		out, err := os.Create(localPath)
		if err != nil {
			_ = body.Close()
			return err
		}
		_, copyErr := io.Copy(out, &contextReader{ctx: ctx, r: resp})
		closeErr := out.Close()
		// Closing the response reads the server's transfer confirmation.
		respErr := body.Close()
		if err := errors.Join(copyErr, closeErr, respErr); err != nil {
			_ = os.Remove(localPath)
			return err
		}
		return nil
	})
}

func (c *FTPChannel) Upload(ctx context.Context, name, localPath string) error {
	return c.session(ctx, "upload", name, func(s *ftpSession) error {
		in, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer in.Close()
		return s.conn.Stor(c.remotePath(name), &contextReader{ctx: ctx, r: in})
	})
}

func (c *FTPChannel) Delete(ctx context.Context, name string) (bool, error) {
	deleted := false
	err := c.session(ctx, "delete", name, func(s *ftpSession) error {
		if err := s.conn.Delete(c.remotePath(name)); err != nil {
			if isFileUnavailable(err) {
				return nil
			}
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (c *FTPChannel) remotePath(name string) string {
	if c.dir == "" {
		return name
	}
	return path.Join(c.dir, name)
}

// session dials, logs in and runs fn. The connection and any data stream
// registered with the session are torn down when fn returns or ctx ends,
// whichever comes first.
func (c *FTPChannel) session(ctx context.Context, op, name string, fn func(*ftpSession) error) error {
	if err := ctx.Err(); err != nil {
		return transportError(c.String(), op, name, err)
	}
	conn, err := c.dial(ctx, c.addr, c.timeout)
	if err != nil {
		return transportError(c.String(), op, name, err)
	}
	s := &ftpSession{conn: conn}
	defer s.release()
	stop := context.AfterFunc(ctx, s.release)
	defer stop()

	if err := conn.Login(c.username, c.password); err != nil {
		return transportError(c.String(), op, name, fmt.Errorf("login as %s: %w", c.username, err))
	}
	if err := fn(s); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return transportError(c.String(), op, name, err)
	}
	return nil
}

type ftpSession struct {
	conn ftpConn

	mu       sync.Mutex
	closers  []io.Closer
	released bool
}

func (s *ftpSession) track(closer io.Closer) io.Closer {
	once := &onceCloser{closer: closer}
	s.mu.Lock()
	s.closers = append(s.closers, once)
	s.mu.Unlock()
	return once
}

func (s *ftpSession) release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for _, closer := range closers {
		_ = closer.Close()
	}
	_ = s.conn.Quit()
}

type onceCloser struct {
	once   sync.Once
	closer io.Closer
	err    error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() { o.err = o.closer.Close() })
	return o.err
}

// contextReader stops a transfer at the next read once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func matchEntry(entries []*ftp.Entry, name string) bool {
	for _, entry := range entries {
		if entry == nil || entry.Type == ftp.EntryTypeFolder {
			continue
		}
		if strings.EqualFold(path.Base(entry.Name), name) {
			return true
		}
	}
	return false
}

func isFileUnavailable(err error) bool {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code == ftp.StatusFileUnavailable
	}
	return false
}
