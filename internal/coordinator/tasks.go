// SPDX-License-Identifier: MIT

package coordinator

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ManuGH/tonearm/internal/config"
	"github.com/ManuGH/tonearm/internal/download"
	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/importer"
	"github.com/ManuGH/tonearm/internal/library"
	"github.com/ManuGH/tonearm/internal/log"
	"github.com/ManuGH/tonearm/internal/metrics"
	"github.com/ManuGH/tonearm/internal/queue"
	"github.com/ManuGH/tonearm/internal/slskd"
	"github.com/ManuGH/tonearm/internal/types"
)

const (
	syncBatchSize      = 100
	downloadBatchSize  = 25
	searchWait         = 10 * time.Second
	finishedRetention  = 7 * 24 * time.Hour
	lookupRateInterval = 500 * time.Millisecond
)

// Tasks holds the handlers behind each coordinator task type.
type Tasks struct {
	lib       *library.Repository
	downloads *download.Repository
	blocklist *download.Blocklist
	queue     *queue.Store
	sources   []importer.ImportSource
	providers []importer.MetadataProvider
	searcher  slskd.Searcher
	cfg       func() config.AppConfig
	limiter   *rate.Limiter
	logger    zerolog.Logger
	clock     clock
}

// TasksOption customizes Tasks.
type TasksOption func(*Tasks)

// WithTasksClock injects a deterministic clock for tests.
func WithTasksClock(c clock) TasksOption {
	return func(t *Tasks) { t.clock = c }
}

// NewTasks wires the handlers. cfg yields the current config snapshot so
// a reload applies without restarting the coordinator.
func NewTasks(
	lib *library.Repository,
	downloads *download.Repository,
	blocklist *download.Blocklist,
	queueStore *queue.Store,
	sources []importer.ImportSource,
	providers []importer.MetadataProvider,
	searcher slskd.Searcher,
	cfg func() config.AppConfig,
	opts ...TasksOption,
) *Tasks {
	t := &Tasks{
		lib:       lib,
		downloads: downloads,
		blocklist: blocklist,
		queue:     queueStore,
		sources:   sources,
		providers: providers,
		searcher:  searcher,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Every(lookupRateInterval), 1),
		logger:    log.WithComponent("coordinator.tasks"),
		clock:     realClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Bind registers every handler with the scheduler.
func (t *Tasks) Bind(s *Scheduler, reg *queue.Registry) error {
	handlers := map[types.TaskType]TaskFunc{
		types.TaskArtistSync:      t.ArtistSync,
		types.TaskAlbumSync:       t.AlbumSync,
		types.TaskTrackSync:       t.TrackSync,
		types.TaskEnrichment:      t.Enrichment,
		types.TaskDownloadRequest: t.DownloadRequest,
		types.TaskCleanup:         t.Cleanup,
		types.TaskPlaylistExport:  t.PlaylistExport,
	}
	for taskType, fn := range handlers {
		if err := s.Register(reg, taskType, fn); err != nil {
			return err
		}
	}
	return nil
}

// ArtistSync pulls followed artists from every available source and
// marks them owned. Sources run concurrently; each batch lands through
// the idempotent upsert.
func (t *Tasks) ArtistSync(ctx context.Context) (any, error) {
	var synced, skipped atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range t.sources {
		g.Go(func() error {
			if !t.sourceReady(ctx, src, types.TaskArtistSync) {
				skipped.Add(1)
				return nil
			}
			stream := src.FollowedArtists(ctx)
			for {
				batch, err := stream.NextBatch(ctx, syncBatchSize)
				if errors.Is(err, importer.ErrEndOfStream) {
					return nil
				}
				if err != nil {
					if err = t.sourceError(src, types.TaskArtistSync, err); err == nil {
						skipped.Add(1)
					}
					return err
				}
				for _, dto := range batch {
					artist := &library.Artist{
						Name:      dto.Name,
						Ownership: types.OwnershipOwned,
						ImageURL:  dto.ImageURL,
					}
					setArtistSourceID(artist, src.Name(), dto.ID)
					if _, err := t.lib.UpsertArtist(ctx, artist); err != nil {
						return err
					}
					synced.Add(1)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return syncResult("artists_synced", synced.Load(), skipped.Load()), nil
}

// syncResult summarizes a sync run. A run where reauth skips were the
// only outcome is recorded as such, so the queue surface distinguishes
// "nothing to do" from "could not reach any source".
func syncResult(key string, synced, skipped int64) any {
	if skipped > 0 && synced == 0 {
		return map[string]string{"skipped": "needs_reauth"}
	}
	return map[string]int64{key: synced}
}

// AlbumSync expands owned artists into their discographies.
func (t *Tasks) AlbumSync(ctx context.Context) (any, error) {
	artists, err := t.lib.ListArtists(ctx, types.OwnershipOwned)
	if err != nil {
		return nil, err
	}

	var synced, skipped atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range t.sources {
		g.Go(func() error {
			if !t.sourceReady(ctx, src, types.TaskAlbumSync) {
				skipped.Add(1)
				return nil
			}
			for _, artist := range artists {
				externalID := artistSourceID(artist, src.Name())
				if externalID == "" {
					continue
				}
				stream := src.ArtistAlbums(ctx, externalID)
				for {
					batch, err := stream.NextBatch(ctx, syncBatchSize)
					if errors.Is(err, importer.ErrEndOfStream) {
						break
					}
					if err != nil {
						if err = t.sourceError(src, types.TaskAlbumSync, err); err == nil {
							skipped.Add(1)
						}
						return err
					}
					for _, dto := range batch {
						album := &library.Album{
							ArtistID:    artist.ID,
							Title:       dto.Title,
							ReleaseDate: dto.ReleaseDate,
							Ownership:   types.OwnershipOwned,
							CoverURL:    dto.CoverURL,
						}
						setAlbumSourceID(album, src.Name(), dto.ID)
						if _, err := t.lib.UpsertAlbum(ctx, album); err != nil {
							return err
						}
						synced.Add(1)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return syncResult("albums_synced", synced.Load(), skipped.Load()), nil
}

// TrackSync expands albums into tracks. With auto-queue enabled, tracks
// first seen in this run are flagged pending so the download_request
// task picks them up.
func (t *Tasks) TrackSync(ctx context.Context) (any, error) {
	artists, err := t.lib.ListArtists(ctx, types.OwnershipOwned)
	if err != nil {
		return nil, err
	}
	autoQueue := t.cfg().Library.AutoQueueDownloads
	runStart := t.clock.Now()

	var synced, skipped atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range t.sources {
		g.Go(func() error {
			if !t.sourceReady(ctx, src, types.TaskTrackSync) {
				skipped.Add(1)
				return nil
			}
			for _, artist := range artists {
				albums, err := t.lib.ListAlbums(ctx, artist.ID)
				if err != nil {
					return err
				}
				for _, album := range albums {
					externalID := albumSourceID(album, src.Name())
					if externalID == "" {
						continue
					}
					if err := t.syncAlbumTracks(ctx, src, artist, album, externalID, autoQueue, runStart, &synced, &skipped); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return syncResult("tracks_synced", synced.Load(), skipped.Load()), nil
}

func (t *Tasks) syncAlbumTracks(ctx context.Context, src importer.ImportSource, artist *library.Artist, album *library.Album, externalAlbumID string, autoQueue bool, runStart time.Time, synced, skipped *atomic.Int64) error {
	stream := src.AlbumTracks(ctx, externalAlbumID)
	for {
		batch, err := stream.NextBatch(ctx, syncBatchSize)
		if errors.Is(err, importer.ErrEndOfStream) {
			return nil
		}
		if err != nil {
			if err = t.sourceError(src, types.TaskTrackSync, err); err == nil {
				skipped.Add(1)
			}
			return err
		}
		for _, dto := range batch {
			track := &library.Track{
				AlbumID:     album.ID,
				ArtistID:    artist.ID,
				Title:       dto.Title,
				TrackNumber: dto.TrackNumber,
				DurationMS:  dto.DurationMS,
			}
			setTrackSourceID(track, src.Name(), dto.ID)
			stored, err := t.lib.UpsertTrack(ctx, track)
			if err != nil {
				return err
			}

			synced.Add(1)

			isNew := !stored.CreatedAt.Before(runStart)
			if autoQueue && isNew && stored.DownloadState == types.TrackNotNeeded {
				if err := t.lib.SetTrackDownloadState(ctx, stored.ID, types.TrackPending, ""); err != nil {
					return err
				}
			}
		}
	}
}

// Enrichment fills in missing external ids and durations for a bounded
// batch of tracks, consulting providers in order and pacing lookups
// against upstream rate limits. Tracks are stamped enriched even on a
// miss so the batch window keeps moving.
func (t *Tasks) Enrichment(ctx context.Context) (any, error) {
	batch, err := t.lib.ListTracksNeedingEnrichment(ctx, t.cfg().Library.EnrichmentBatchSize)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return map[string]int{"batch": 0, "enriched": 0}, nil
	}

	artistNames := make(map[string]string)
	enriched := 0
	for _, track := range batch {
		name, ok := artistNames[track.ArtistID]
		if !ok {
			artist, err := t.lib.GetArtist(ctx, track.ArtistID)
			if err != nil {
				return nil, err
			}
			name = artist.Name
			artistNames[track.ArtistID] = name
		}

		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if t.enrichTrack(ctx, track, name) {
			enriched++
		}
		if err := t.lib.MarkTrackEnriched(ctx, track.ID); err != nil {
			return nil, err
		}
	}

	metrics.AddTracksEnriched(enriched)
	t.logger.Info().Int("batch", len(batch)).Int("enriched", enriched).Msg("enrichment run done")
	return map[string]int{"batch": len(batch), "enriched": enriched}, nil
}

func (t *Tasks) enrichTrack(ctx context.Context, track *library.Track, artistName string) bool {
	for _, p := range t.providers {
		dto, err := p.LookupTrack(ctx, artistName, track.Title)
		if err != nil {
			if errkind.NotFound(err) {
				continue
			}
			t.logger.Warn().Err(err).
				Str(log.FieldService, p.Name()).
				Str(log.FieldTrackID, track.ID).
				Msg("metadata lookup failed")
			continue
		}

		var spotifyID, deezerID, mbid string
		switch p.Name() {
		case "spotify":
			spotifyID = dto.ID
		case "deezer":
			deezerID = dto.ID
		case "musicbrainz":
			mbid = dto.ID
		}
		if err := t.lib.FillTrackExternalIDs(ctx, track.ID, spotifyID, deezerID, mbid, dto.DurationMS); err != nil {
			t.logger.Error().Err(err).Str(log.FieldTrackID, track.ID).Msg("enrichment write failed")
			return false
		}
		return true
	}
	return false
}

// DownloadRequest searches the peer-to-peer network for tracks flagged
// pending and creates download records for the best candidates. Tracks
// with no candidate stay pending for the next run.
func (t *Tasks) DownloadRequest(ctx context.Context) (any, error) {
	wanted, err := t.lib.ListTracksWanted(ctx, downloadBatchSize)
	if err != nil {
		return nil, err
	}

	requested := 0
	for _, track := range wanted {
		artist, err := t.lib.GetArtist(ctx, track.ArtistID)
		if err != nil {
			return nil, err
		}

		results, err := t.searcher.Search(ctx, artist.Name+" "+track.Title, searchWait)
		if err != nil {
			if errkind.IsRetryable(err) {
				return nil, err
			}
			t.logger.Warn().Err(err).Str(log.FieldTrackID, track.ID).Msg("search failed")
			continue
		}

		candidate, ok := slskd.PickCandidate(results)
		if !ok {
			t.logger.Debug().Str(log.FieldTrackID, track.ID).
				Int("results", len(results)).Msg("no usable candidate")
			continue
		}

		base := remoteBase(candidate.Filename)
		if existing, err := t.downloads.GetActiveByFingerprint(ctx, candidate.Username, base); err == nil && existing != nil {
			continue
		}

		d, err := t.downloads.Create(ctx, track.ID, candidate.Username, candidate.Filename,
			base, candidate.Size, int(types.PriorityNormal))
		if err != nil {
			return nil, err
		}
		if err := t.lib.SetTrackDownloadState(ctx, track.ID, types.TrackDownloading, ""); err != nil {
			return nil, err
		}
		requested++

		t.logger.Info().
			Str(log.FieldTrackID, track.ID).
			Str(log.FieldDownloadID, d.ID).
			Str(log.FieldUsername, candidate.Username).
			Str(log.FieldFilename, d.Filename).
			Msg("download requested")
	}
	return map[string]int{"downloads_requested": requested}, nil
}

// Cleanup purges orphaned catalog rows, expired blocklist entries, old
// terminal downloads and finished queue items.
func (t *Tasks) Cleanup(ctx context.Context) (any, error) {
	now := t.clock.Now()

	orphans, err := t.lib.PurgeOrphans(ctx)
	if err != nil {
		return nil, err
	}
	expired, err := t.blocklist.PruneExpired(ctx)
	if err != nil {
		return nil, err
	}

	var prunedDownloads, resetTracks int
	if days := t.cfg().Library.DownloadCleanupDays; days > 0 {
		cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
		if prunedDownloads, err = t.downloads.PruneTerminal(ctx, cutoff); err != nil {
			return nil, err
		}
		if resetTracks, err = t.lib.ResetStaleFailedTracks(ctx, cutoff); err != nil {
			return nil, err
		}
	}

	prunedJobs, err := t.queue.PruneFinished(ctx, now.Add(-finishedRetention))
	if err != nil {
		return nil, err
	}

	t.logger.Info().
		Int("orphans", orphans).
		Int("blocklist_expired", expired).
		Int("downloads_pruned", prunedDownloads).
		Int("tracks_reset", resetTracks).
		Int("jobs_pruned", prunedJobs).
		Msg("cleanup run done")
	return map[string]int{
		"orphans":           orphans,
		"blocklist_expired": expired,
		"downloads_pruned":  prunedDownloads,
		"tracks_reset":      resetTracks,
		"jobs_pruned":       prunedJobs,
	}, nil
}

// sourceReady reports whether a source can be used right now. An
// unavailable source usually means the user must re-authorize; the task
// skips it quietly instead of crash-looping.
func (t *Tasks) sourceReady(ctx context.Context, src importer.ImportSource, taskType types.TaskType) bool {
	if src.IsAvailable(ctx) {
		return true
	}
	metrics.IncTaskSkipped(taskType.String(), "needs_reauth")
	t.logger.Info().
		Str(log.FieldService, src.Name()).
		Str(log.FieldTaskType, taskType.String()).
		Msg("skipped: needs_reauth")
	return false
}

// sourceError downgrades a mid-stream reauth signal to a quiet skip;
// everything else propagates and fails the task.
func (t *Tasks) sourceError(src importer.ImportSource, taskType types.TaskType, err error) error {
	if errkind.NeedsReauth(err) {
		metrics.IncTaskSkipped(taskType.String(), "needs_reauth")
		t.logger.Info().
			Str(log.FieldService, src.Name()).
			Str(log.FieldTaskType, taskType.String()).
			Msg("skipped: needs_reauth")
		return nil
	}
	return err
}

func setArtistSourceID(a *library.Artist, source, id string) {
	switch source {
	case "spotify":
		a.SpotifyID = id
	case "deezer":
		a.DeezerID = id
	case "musicbrainz":
		a.MBID = id
	}
}

func artistSourceID(a *library.Artist, source string) string {
	switch source {
	case "spotify":
		return a.SpotifyID
	case "deezer":
		return a.DeezerID
	case "musicbrainz":
		return a.MBID
	default:
		return ""
	}
}

func setAlbumSourceID(al *library.Album, source, id string) {
	switch source {
	case "spotify":
		al.SpotifyID = id
	case "deezer":
		al.DeezerID = id
	case "musicbrainz":
		al.MBID = id
	}
}

func albumSourceID(al *library.Album, source string) string {
	switch source {
	case "spotify":
		return al.SpotifyID
	case "deezer":
		return al.DeezerID
	case "musicbrainz":
		return al.MBID
	default:
		return ""
	}
}

func setTrackSourceID(tr *library.Track, source, id string) {
	switch source {
	case "spotify":
		tr.SpotifyID = id
	case "deezer":
		tr.DeezerID = id
	case "musicbrainz":
		tr.MBID = id
	}
}

// remoteBase extracts the file name from a peer path, which is usually
// Windows-style.
func remoteBase(remotePath string) string {
	return path.Base(strings.ReplaceAll(remotePath, `\`, "/"))
}
