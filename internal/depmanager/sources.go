package depmanager

import (
	"net/url"
	"path"
	"strings"
)

// source is one upstream release artifact. Archives may provide several binaries.
type source struct {
	name     BinaryName
	sums     string // comma separated checksum file URLs
	arm64    string
	amd64    string
	provides []BinaryName
}

// sources lists the release artifacts in install order.
func (m *Manager) sources() []source {
	cfg := m.cfg.DepManager

	return []source{
		{
			name:     BinaryFFmpeg,
			sums:     cfg.FFmpegSHA256SumsURL,
			arm64:    cfg.FFmpegLinuxARM64,
			amd64:    cfg.FFmpegLinuxAMD64,
			provides: []BinaryName{BinaryFFmpeg, BinaryFFprobe},
		},
		{
			name:     BinaryDeno,
			sums:     cfg.DenoSHA256SumsURL,
			arm64:    cfg.DenoLinuxARM64,
			amd64:    cfg.DenoLinuxAMD64,
			provides: []BinaryName{BinaryDeno},
		},
		{
			name:     BinaryYTdlp,
			sums:     cfg.YTdlpSHA256SumsURL,
			arm64:    cfg.YTdlpLinuxARM64,
			amd64:    cfg.YTdlpLinuxAMD64,
			provides: []BinaryName{BinaryYTdlp},
		},
	}
}

// url returns the download URL for p; only linux builds are published.
func (s source) url(p Platform) string {
	if p.OS != platformLinux {
		return ""
	}

	switch p.Arch {
	case archARM64:
		return s.arm64
	case archAMD64:
		return s.amd64
	}

	return ""
}

// filename is the artifact name as it appears in the upstream checksum file.
func (s source) filename(p Platform) string {
	raw := s.url(p)
	if raw == "" {
		return ""
	}

	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}

	return path.Base(raw)
}

func (s source) sumsURLs() []string {
	var out []string

	for part := range strings.SplitSeq(s.sums, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
