package kiln

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const reportHeader = "# sources"

// ManifestEntry records one built component.
type ManifestEntry struct {
	Name    string
	Version string
}

// ReportEntry is a line of the optional sources report.
type ReportEntry struct {
	Name     string
	Version  string
	Checksum string
	URL      string
}

// Manifest is the version record of one build invocation.
type Manifest struct {
	Project string
	Version string
	Entries []ManifestEntry
	Report  []ReportEntry
}

// NewManifest lists every recipe of order except the project itself, in
// build order.
func NewManifest(bc *BuildContext, order []*Recipe, report bool) *Manifest {
	m := &Manifest{Project: bc.Project, Version: bc.ProjectVersion}
	for _, r := range order {
		if r.Name == bc.Project {
			continue
		}
		m.Entries = append(m.Entries, ManifestEntry{Name: r.Name, Version: r.Version})
		if report {
			re := ReportEntry{Name: r.Name, Version: r.Version, Checksum: "-", URL: "-"}
			if r.Source != nil {
				re.Checksum = r.Source.Checksum.String()
				if r.Source.URL != "" {
					re.URL = r.Source.URL
				}
			}
			m.Report = append(m.Report, re)
		}
	}
	if report && m.Report == nil {
		m.Report = []ReportEntry{}
	}
	return m
}

// WriteTo renders the manifest. The output depends only on the manifest
// contents, so identical builds produce identical bytes.
func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s\n\n", m.Project, m.Version)
	for _, e := range m.Entries {
		fmt.Fprintf(&buf, "%s %s\n", e.Name, e.Version)
	}
	buf.WriteString("\n")

	if m.Report != nil {
		buf.WriteString(reportHeader + "\n")
		for _, r := range m.Report {
			fmt.Fprintf(&buf, "%s %s %s %s\n", r.Name, r.Version, orDash(r.Checksum), orDash(r.URL))
		}
		buf.WriteString("\n")
	}
	return buf.WriteTo(w)
}

func (m *Manifest) String() string {
	var sb strings.Builder
	m.WriteTo(&sb)
	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// WriteManifest writes m to a temporary sibling of path and renames it into
// place, so a failed write never leaves a partial manifest behind.
func WriteManifest(path string, m *Manifest) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &ManifestWriteError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".kiln-manifest-*.tmp")
	if err != nil {
		return &ManifestWriteError{Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := m.WriteTo(tmp); err != nil {
		tmp.Close()
		return &ManifestWriteError{Path: path, Err: err}
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return &ManifestWriteError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &ManifestWriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &ManifestWriteError{Path: path, Err: err}
	}

	debugf("Manifest written to %s (%d entries)\n", path, len(m.Entries))
	return nil
}

// ParseManifest reads a manifest written by WriteManifest.
func ParseManifest(r io.Reader) (*Manifest, error) {
	scanner := bufio.NewScanner(r)
	m := &Manifest{}

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty manifest")
	}
	header := strings.Fields(scanner.Text())
	if len(header) != 2 {
		return nil, fmt.Errorf("invalid manifest header: %q", scanner.Text())
	}
	m.Project, m.Version = header[0], header[1]

	if !scanner.Scan() || scanner.Text() != "" {
		return nil, fmt.Errorf("manifest header must be followed by a blank line")
	}

	inReport := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line == reportHeader {
			inReport = true
			m.Report = []ReportEntry{}
			continue
		}

		fields := strings.Fields(line)
		if inReport {
			if len(fields) != 4 {
				return nil, fmt.Errorf("invalid report line: %q", line)
			}
			m.Report = append(m.Report, ReportEntry{Name: fields[0], Version: fields[1], Checksum: fields[2], URL: fields[3]})
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid manifest line: %q", line)
		}
		m.Entries = append(m.Entries, ManifestEntry{Name: fields[0], Version: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	return m, nil
}

// ReadManifest parses the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest file %s: %w", path, err)
	}
	defer f.Close()
	return ParseManifest(f)
}
