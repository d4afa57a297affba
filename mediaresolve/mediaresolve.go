// Package mediaresolve turns external media references (YouTube URLs) into
// directly streamable URLs with display metadata.
package mediaresolve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

// Media is a resolved, streamable reference.
type Media struct {
	StreamURL string
	Title     string
	Author    string
}

// YTDLP resolves references by shelling out to yt-dlp and parsing its JSON
// dump. Resolution failures abort the one command that triggered them; the
// caller does not retry.
type YTDLP struct {
	// Bin is the yt-dlp executable, default "yt-dlp".
	Bin string
	// Timeout bounds one resolution, default 30s.
	Timeout time.Duration
}

func NewYTDLP() *YTDLP {
	return &YTDLP{Bin: "yt-dlp", Timeout: 30 * time.Second}
}

var supportedHosts = []string{
	"youtube.com",
	"youtu.be",
	"music.youtube.com",
}

// Validate reports whether ref looks like a supported media URL.
func (y *YTDLP) Validate(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, h := range supportedHosts {
		if host == h {
			return true
		}
	}
	return false
}

type dumpInfo struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Uploader string `json:"uploader"`
	Channel  string `json:"channel"`
}

// Resolve runs yt-dlp for the best mp4/m4a audio format and returns the
// direct stream URL plus display metadata.
func (y *YTDLP) Resolve(ctx context.Context, ref string) (Media, error) {
	timeout := y.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, y.Bin,
		"--no-playlist",
		"-f", "bestaudio[ext=m4a]/best[ext=mp4]/best",
		"-j",
		ref,
	)
	output, err := cmd.Output()
	if err != nil {
		return Media{}, fmt.Errorf("resolve %q: %w", ref, err)
	}

	return parseDump(output, ref)
}

func parseDump(output []byte, ref string) (Media, error) {
	var info dumpInfo
	if err := json.Unmarshal(output, &info); err != nil {
		return Media{}, fmt.Errorf("resolve %q: bad dump: %w", ref, err)
	}
	if info.URL == "" {
		return Media{}, fmt.Errorf("resolve %q: no stream url in dump", ref)
	}

	author := info.Uploader
	if author == "" {
		author = info.Channel
	}
	return Media{
		StreamURL: info.URL,
		Title:     info.Title,
		Author:    author,
	}, nil
}
