package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// SourceKind tags the source union.
type SourceKind string

const (
	SourceGoogleSheet SourceKind = "GOOGLE_SHEET"
	SourceFTP         SourceKind = "FTP"
)

// FileFormat is the declared format of a file pulled from FTP/SFTP.
type FileFormat string

const (
	FormatCSV  FileFormat = "CSV"
	FormatXLSX FileFormat = "XLSX"
	FormatXLS  FileFormat = "XLS"
)

type SheetRange struct {
	SheetName string `json:"sheetName" yaml:"sheetName"`
	Range     string `json:"range" yaml:"range"`
}

// A1 renders the range in A1 notation for the Sheets API.
func (r SheetRange) A1() string {
	name := strings.TrimSpace(r.SheetName)
	rng := strings.TrimSpace(r.Range)
	if name == "" {
		return rng
	}
	quoted := "'" + strings.ReplaceAll(name, "'", "''") + "'"
	if rng == "" {
		return quoted
	}
	return quoted + "!" + rng
}

type SheetSource struct {
	ManagedSheetID string       `json:"managedSheetId" yaml:"managedSheetId"`
	Ranges         []SheetRange `json:"sources" yaml:"sources"`
}

type FileSource struct {
	FtpSourceID string     `json:"ftpSourceId" yaml:"ftpSourceId"`
	FilePath    string     `json:"filePath" yaml:"filePath"`
	FileFormat  FileFormat `json:"fileFormat" yaml:"fileFormat"`
}

// SourceConfig is a tagged union: Kind selects which of Sheet or File is set.
type SourceConfig struct {
	Kind  SourceKind   `json:"kind" yaml:"kind"`
	Sheet *SheetSource `json:"sheet,omitempty" yaml:"sheet,omitempty"`
	File  *FileSource  `json:"file,omitempty" yaml:"file,omitempty"`
}

func (c SourceConfig) Validate() error {
	switch c.Kind {
	case SourceGoogleSheet:
		if c.Sheet == nil || c.File != nil {
			return errors.New("google sheet source requires only sheet settings")
		}
		if strings.TrimSpace(c.Sheet.ManagedSheetID) == "" {
			return errors.New("managed sheet id is required")
		}
		if len(c.Sheet.Ranges) == 0 {
			return errors.New("at least one sheet range is required")
		}
		for i, r := range c.Sheet.Ranges {
			if strings.TrimSpace(r.SheetName) == "" {
				return fmt.Errorf("sheet range %d: sheet name is required", i)
			}
		}
	case SourceFTP:
		if c.File == nil || c.Sheet != nil {
			return errors.New("ftp source requires only file settings")
		}
		if strings.TrimSpace(c.File.FtpSourceID) == "" {
			return errors.New("ftp source id is required")
		}
		if strings.TrimSpace(c.File.FilePath) == "" {
			return errors.New("file path is required")
		}
	default:
		return fmt.Errorf("unknown source kind %q", c.Kind)
	}
	return nil
}

// ConnectionID is the id of the managed connection backing the source.
func (c SourceConfig) ConnectionID() string {
	switch {
	case c.Kind == SourceGoogleSheet && c.Sheet != nil:
		return c.Sheet.ManagedSheetID
	case c.Kind == SourceFTP && c.File != nil:
		return c.File.FtpSourceID
	default:
		return ""
	}
}

// ManagedSheet is a spreadsheet registered by an operator.
type ManagedSheet struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// SpreadsheetID extracts the id from a docs.google.com URL; a bare id is
// returned unchanged.
func (s ManagedSheet) SpreadsheetID() (string, error) {
	raw := strings.TrimSpace(s.URL)
	if raw == "" {
		return "", errors.New("sheet url is required")
	}
	if !strings.Contains(raw, "/") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse sheet url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "d" && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}
	return "", fmt.Errorf("sheet url %q has no spreadsheet id", raw)
}

type FtpProtocol string

const (
	ProtocolFTP  FtpProtocol = "FTP"
	ProtocolFTPS FtpProtocol = "FTPS"
	ProtocolSFTP FtpProtocol = "SFTP"
)

// FtpSource is an FTP, FTPS or SFTP server registered by an operator.
type FtpSource struct {
	ID       string      `json:"id" yaml:"id"`
	Name     string      `json:"name" yaml:"name"`
	Host     string      `json:"host" yaml:"host"`
	Port     int         `json:"port" yaml:"port"`
	User     string      `json:"user" yaml:"user"`
	Password string      `json:"pass" yaml:"pass"`
	Protocol FtpProtocol `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	// HostKey pins the SFTP server key in authorized_keys format.
	HostKey string `json:"hostKey,omitempty" yaml:"hostKey,omitempty"`
}

// Address returns host:port, defaulting the port by protocol.
func (s FtpSource) Address() string {
	port := s.Port
	if port <= 0 {
		port = 21
		if s.EffectiveProtocol() == ProtocolSFTP {
			port = 22
		}
	}
	return fmt.Sprintf("%s:%d", strings.TrimSpace(s.Host), port)
}

// EffectiveProtocol infers SFTP from port 22 when no protocol is stored.
func (s FtpSource) EffectiveProtocol() FtpProtocol {
	switch p := FtpProtocol(strings.ToUpper(strings.TrimSpace(string(s.Protocol)))); p {
	case ProtocolFTP, ProtocolFTPS, ProtocolSFTP:
		return p
	}
	if s.Port == 22 {
		return ProtocolSFTP
	}
	return ProtocolFTP
}

// SourceConnection is the resolved connection for a job's source.
type SourceConnection struct {
	Kind  SourceKind    `json:"kind"`
	Sheet *ManagedSheet `json:"sheet,omitempty"`
	FTP   *FtpSource    `json:"ftp,omitempty"`
}
