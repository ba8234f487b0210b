// SPDX-License-Identifier: MIT

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/ManuGH/tonearm/internal/importer"
	"github.com/ManuGH/tonearm/internal/library"
	"github.com/ManuGH/tonearm/internal/log"
	"github.com/ManuGH/tonearm/internal/metrics"
	"github.com/ManuGH/tonearm/internal/types"
)

// PlaylistExport syncs playlists from every available source, then
// writes one .m3u8 per playlist into the export directory. Writes are
// atomic so a media player never reads a half-written file.
func (t *Tasks) PlaylistExport(ctx context.Context) (any, error) {
	for _, src := range t.sources {
		if !t.sourceReady(ctx, src, types.TaskPlaylistExport) {
			continue
		}
		if err := t.syncPlaylists(ctx, src); err != nil {
			if err = t.sourceError(src, types.TaskPlaylistExport, err); err != nil {
				return nil, err
			}
		}
	}
	exported, err := t.exportPlaylists(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"playlists_exported": exported}, nil
}

// syncPlaylists mirrors the source's playlists. Unchanged snapshots are
// skipped; a changed playlist gets its track list replaced wholesale.
func (t *Tasks) syncPlaylists(ctx context.Context, src importer.ImportSource) error {
	existing, err := t.lib.ListPlaylists(ctx)
	if err != nil {
		return err
	}
	snapshots := make(map[string]string, len(existing))
	for _, p := range existing {
		snapshots[p.SpotifyID] = p.SnapshotID
	}

	stream := src.Playlists(ctx)
	for {
		dto, err := stream.Next(ctx)
		if errors.Is(err, importer.ErrEndOfStream) {
			return nil
		}
		if err != nil {
			return err
		}

		if prev, ok := snapshots[dto.ID]; ok && prev != "" && prev == dto.SnapshotID {
			continue
		}

		playlist, err := t.lib.UpsertPlaylist(ctx, &library.Playlist{
			Name:       dto.Name,
			SpotifyID:  dto.ID,
			SnapshotID: dto.SnapshotID,
		})
		if err != nil {
			return err
		}

		trackDTOs, err := importer.Collect(ctx, src.PlaylistTracks(ctx, dto.ID))
		if err != nil {
			return err
		}
		var trackIDs []string
		for _, trackDTO := range trackDTOs {
			tr, err := t.lib.FindTrackBySpotifyID(ctx, trackDTO.ID)
			if err != nil {
				// Playlist entries outside the synced library are skipped.
				continue
			}
			trackIDs = append(trackIDs, tr.ID)
		}
		if err := t.lib.ReplacePlaylistTracks(ctx, playlist.ID, trackIDs); err != nil {
			return err
		}

		t.logger.Info().
			Str("playlist", playlist.Name).
			Int("tracks", len(trackIDs)).
			Msg("playlist synced")
	}
}

func (t *Tasks) exportPlaylists(ctx context.Context) (int, error) {
	dir := t.cfg().Export.PlaylistDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("coordinator: create export dir: %w", err)
	}

	playlists, err := t.lib.ListPlaylists(ctx)
	if err != nil {
		return 0, err
	}

	exported := 0
	for _, playlist := range playlists {
		tracks, err := t.lib.PlaylistTracks(ctx, playlist.ID)
		if err != nil {
			return exported, err
		}

		target := filepath.Join(dir, exportFileName(playlist.Name))
		if err := renameio.WriteFile(target, renderM3U(tracks), 0o644); err != nil {
			return exported, fmt.Errorf("coordinator: export %q: %w", playlist.Name, err)
		}
		exported++
		metrics.IncPlaylistsExported()
		t.logger.Debug().Str(log.FieldPath, target).Msg("playlist exported")
	}
	return exported, nil
}

// renderM3U emits extended m3u. Tracks without a local file are listed
// as comments so the playlist documents what is still missing.
func renderM3U(tracks []*library.Track) []byte {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, tr := range tracks {
		if tr.LocalPath == "" {
			fmt.Fprintf(&b, "# missing: %s\n", tr.Title)
			continue
		}
		fmt.Fprintf(&b, "#EXTINF:%d,%s\n%s\n", tr.DurationMS/1000, tr.Title, tr.LocalPath)
	}
	return []byte(b.String())
}

// exportFileName makes a playlist name safe as a file name.
func exportFileName(name string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		default:
			return r
		}
	}, name)
	safe = strings.TrimSpace(safe)
	if safe == "" {
		safe = "playlist"
	}
	return safe + ".m3u8"
}
