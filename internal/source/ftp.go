package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/platform/env"
	"github.com/sheetsync-labs/sheetsync-go/internal/schema"
)

// DefaultDialTimeout bounds connect and login to an FTP/SFTP server.
const DefaultDialTimeout = 30 * time.Second

// MaxFileSize caps how much of a remote file is read into memory.
const MaxFileSize = 512 << 20

type FileConfig struct {
	DialTimeout time.Duration
	MaxFileSize int64
}

func FileConfigFromEnv() (FileConfig, error) {
	timeout, err := env.Duration("SHEETSYNC_FTP_TIMEOUT", DefaultDialTimeout)
	if err != nil {
		return FileConfig{}, err
	}
	maxSize, err := env.Int("SHEETSYNC_FTP_MAX_FILE_BYTES", MaxFileSize)
	if err != nil {
		return FileConfig{}, err
	}
	cfg := FileConfig{DialTimeout: timeout, MaxFileSize: int64(maxSize)}
	if err := cfg.Validate(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

func (c FileConfig) Validate() error {
	if c.DialTimeout <= 0 {
		return errors.New("SHEETSYNC_FTP_TIMEOUT must be positive")
	}
	if c.MaxFileSize <= 0 {
		return errors.New("SHEETSYNC_FTP_MAX_FILE_BYTES must be positive")
	}
	return nil
}

// FileFetcher downloads one remote file. Connect and login failures must be
// returned as ConnectionError, retrieval failures as SourceUnreachable.
type FileFetcher interface {
	Fetch(ctx context.Context, src domain.FtpSource, path string) ([]byte, error)
}

type FileExtractor struct {
	fetcher FileFetcher
}

func NewFileExtractor(fetcher FileFetcher) *FileExtractor {
	return &FileExtractor{fetcher: fetcher}
}

func (e *FileExtractor) Extract(ctx context.Context, req Request) (RowSet, error) {
	if e == nil || e.fetcher == nil {
		return RowSet{}, errors.New("file extractor not initialized")
	}
	cfg := req.Job.Source.File
	if req.Job.Source.Kind != domain.SourceFTP || cfg == nil {
		return RowSet{}, domain.Errorf(domain.KindConfiguration, "extract file", "job %s is not a file job", req.Job.ID)
	}
	if req.Connection.FTP == nil {
		return RowSet{}, domain.Errorf(domain.KindConfiguration, "extract file", "ftp source %s not resolved", cfg.FtpSourceID)
	}
	format, err := normalizeFormat(cfg.FileFormat, cfg.FilePath)
	if err != nil {
		return RowSet{}, err
	}

	data, err := e.fetcher.Fetch(ctx, *req.Connection.FTP, cfg.FilePath)
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			err = domain.E(domain.KindSourceUnreachable, "fetch "+cfg.FilePath, err)
		}
		return RowSet{}, err
	}

	t, err := parseFile(data, format)
	if err != nil {
		return RowSet{}, err
	}
	if len(t.headers) == 0 {
		return RowSet{Mapping: req.Job.SchemaMapping, Columns: schema.Columns(req.Job.SchemaMapping)}, nil
	}
	return build(req.Job.SchemaMapping, []table{t}), nil
}

func normalizeFormat(format domain.FileFormat, path string) (domain.FileFormat, error) {
	f := domain.FileFormat(strings.ToUpper(strings.TrimSpace(string(format))))
	switch f {
	case domain.FormatCSV, domain.FormatXLSX, domain.FormatXLS:
		return f, nil
	case "":
		return "", domain.Errorf(domain.KindUnsupportedFormat, "extract file", "no file format declared for %s", path)
	default:
		return "", domain.Errorf(domain.KindUnsupportedFormat, "extract file", "unsupported file format %q", format)
	}
}

// DialFetcher connects with jlaffaye/ftp for FTP/FTPS and pkg/sftp for SFTP.
type DialFetcher struct {
	cfg FileConfig
}

func NewDialFetcher(cfg FileConfig) *DialFetcher {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = MaxFileSize
	}
	return &DialFetcher{cfg: cfg}
}

func (f *DialFetcher) Fetch(ctx context.Context, src domain.FtpSource, path string) ([]byte, error) {
	if strings.TrimSpace(src.Host) == "" {
		return nil, domain.Errorf(domain.KindConfiguration, "fetch file", "ftp source %s has no host", src.ID)
	}
	if src.EffectiveProtocol() == domain.ProtocolSFTP {
		return f.fetchSFTP(ctx, src, path)
	}
	return f.fetchFTP(ctx, src, path)
}

func (f *DialFetcher) fetchFTP(ctx context.Context, src domain.FtpSource, path string) ([]byte, error) {
	addr := src.Address()
	opts := []ftp.DialOption{
		ftp.DialWithTimeout(f.cfg.DialTimeout),
		ftp.DialWithContext(ctx),
	}
	if src.EffectiveProtocol() == domain.ProtocolFTPS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{
			ServerName: strings.TrimSpace(src.Host),
			MinVersion: tls.VersionTLS12,
		}))
	}
	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, domain.E(domain.KindConnection, "dial "+addr, err)
	}
	defer func() { _ = conn.Quit() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Quit() })
	defer stop()

	if err := conn.Login(src.User, src.Password); err != nil {
		return nil, domain.E(domain.KindConnection, "login "+addr, err)
	}
	resp, err := conn.Retr(path)
	if err != nil {
		return nil, domain.E(domain.KindSourceUnreachable, "retrieve "+path, err)
	}
	defer resp.Close()
	data, err := f.readAll(resp)
	if err != nil {
		return nil, domain.E(domain.KindSourceUnreachable, "read "+path, err)
	}
	return data, nil
}

func (f *DialFetcher) fetchSFTP(ctx context.Context, src domain.FtpSource, path string) ([]byte, error) {
	addr := src.Address()
	hostKey, err := hostKeyCallback(src.HostKey)
	if err != nil {
		return nil, domain.E(domain.KindConfiguration, "parse host key", err)
	}
	sshCfg := &ssh.ClientConfig{
		User:            src.User,
		Auth:            []ssh.AuthMethod{ssh.Password(src.Password)},
		HostKeyCallback: hostKey,
		Timeout:         f.cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: f.cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, domain.E(domain.KindConnection, "dial "+addr, err)
	}
	_ = nc.SetDeadline(time.Now().Add(f.cfg.DialTimeout))
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, sshCfg)
	if err != nil {
		_ = nc.Close()
		return nil, domain.E(domain.KindConnection, "ssh handshake "+addr, err)
	}
	_ = nc.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, domain.E(domain.KindConnection, "sftp session "+addr, err)
	}
	defer sc.Close()

	file, err := sc.Open(path)
	if err != nil {
		return nil, domain.E(domain.KindSourceUnreachable, "open "+path, err)
	}
	defer file.Close()
	data, err := f.readAll(file)
	if err != nil {
		return nil, domain.E(domain.KindSourceUnreachable, "read "+path, err)
	}
	return data, nil
}

func (f *DialFetcher) readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.cfg.MaxFileSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.cfg.MaxFileSize {
		return nil, fmt.Errorf("file exceeds %d bytes", f.cfg.MaxFileSize)
	}
	return data, nil
}

func hostKeyCallback(raw string) (ssh.HostKeyCallback, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
	if err != nil {
		return nil, err
	}
	return ssh.FixedHostKey(key), nil
}
