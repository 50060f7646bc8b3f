// Package hls inspects the HLS output of a running broadcast.
package hls

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/grafov/m3u8"
)

const (
	maxVariantDepth = 4
	maxPlaylistSize = 2 << 20
)

// Status describes a broadcast's playlist as seen by a viewer.
type Status struct {
	URL string `json:"url"`
	// Kind is "master" or "media" for the playlist at URL.
	Kind     string `json:"kind"`
	Variants int    `json:"variants,omitempty"`
	// The fields below describe the media playlist; for a master playlist
	// they come from its first variant.
	MediaURL       string  `json:"media_url"`
	Ended          bool    `json:"ended"`
	MediaSequence  uint64  `json:"media_sequence"`
	LastSequence   uint64  `json:"last_sequence"`
	Segments       int     `json:"segments"`
	TargetDuration float64 `json:"target_duration"`
	LastSegmentURL string  `json:"last_segment_url,omitempty"`
}

// Prober fetches and decodes playlists.
type Prober struct {
	httpClient *http.Client
}

// NewProber creates a prober. timeout bounds each playlist fetch.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{httpClient: &http.Client{Timeout: timeout}}
}

// Probe fetches the playlist at playlistURL, following a master playlist to
// its first variant.
func (p *Prober) Probe(ctx context.Context, playlistURL string) (*Status, error) {
	status := &Status{URL: playlistURL}
	if err := p.probe(ctx, playlistURL, status, 0); err != nil {
		return nil, err
	}
	return status, nil
}

func (p *Prober) probe(ctx context.Context, playlistURL string, status *Status, depth int) error {
	if depth > maxVariantDepth {
		return fmt.Errorf("max master->media recursion depth exceeded")
	}
	base, err := url.Parse(playlistURL)
	if err != nil {
		return fmt.Errorf("parse playlist URL: %w", err)
	}

	playlist, listType, err := p.fetch(ctx, playlistURL)
	if err != nil {
		return err
	}

	switch listType {
	case m3u8.MEDIA:
		if depth == 0 {
			status.Kind = "media"
		}
		return describeMedia(playlist.(*m3u8.MediaPlaylist), base, status)
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		if depth == 0 {
			status.Kind = "master"
			status.Variants = len(master.Variants)
		}
		if len(master.Variants) == 0 {
			return fmt.Errorf("no variants in master playlist")
		}
		ref, err := url.Parse(master.Variants[0].URI)
		if err != nil {
			return fmt.Errorf("resolve variant URL: %w", err)
		}
		return p.probe(ctx, base.ResolveReference(ref).String(), status, depth+1)
	default:
		return fmt.Errorf("unknown playlist type")
	}
}

func (p *Prober) fetch(ctx context.Context, playlistURL string) (m3u8.Playlist, m3u8.ListType, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("playlist fetch failed with status %d", resp.StatusCode)
	}

	playlist, listType, err := m3u8.DecodeFrom(io.LimitReader(resp.Body, maxPlaylistSize), true)
	if err != nil {
		return nil, 0, fmt.Errorf("decode playlist: %w", err)
	}
	return playlist, listType, nil
}

func describeMedia(media *m3u8.MediaPlaylist, base *url.URL, status *Status) error {
	status.MediaURL = base.String()
	status.Ended = media.Closed
	status.MediaSequence = media.SeqNo
	status.TargetDuration = media.TargetDuration

	var last *m3u8.MediaSegment
	for i := uint(0); i < media.Count(); i++ {
		if seg := media.Segments[i]; seg != nil {
			last = seg
			status.Segments++
		}
	}
	if last == nil {
		status.LastSequence = media.SeqNo
		return nil
	}
	status.LastSequence = media.SeqNo + uint64(status.Segments-1)

	ref, err := url.Parse(last.URI)
	if err != nil {
		return fmt.Errorf("resolve segment URL: %w", err)
	}
	status.LastSegmentURL = base.ResolveReference(ref).String()
	return nil
}
