// SPDX-License-Identifier: MIT

// Package importer defines the contract between the catalog sync tasks
// and external music services: paginated streams of small DTOs. Vendor
// payloads never cross this boundary.
package importer

import (
	"context"
	"errors"
)

// ErrEndOfStream is returned by Next once a stream is exhausted. A
// stream is not restartable; every call after the first ErrEndOfStream
// returns it again.
var ErrEndOfStream = errors.New("importer: end of stream")

// PageFunc fetches one page from the upstream service. An empty cursor
// requests the first page. It returns the page's items and the cursor
// for the next page; an empty next cursor marks the final page.
type PageFunc[T any] func(ctx context.Context, cursor string) (items []T, next string, err error)

// Stream is a lazy, finite, forward-only view over a paginated
// collection. Pages are fetched on demand, so callers can batch large
// imports without materializing the whole result. Not safe for
// concurrent use.
type Stream[T any] struct {
	fetch  PageFunc[T]
	buf    []T
	cursor string
	done   bool
}

func NewStream[T any](fetch PageFunc[T]) *Stream[T] {
	return &Stream[T]{fetch: fetch}
}

// SliceStream wraps an in-memory slice as a single-page stream.
func SliceStream[T any](items []T) *Stream[T] {
	return NewStream(func(context.Context, string) ([]T, string, error) {
		return items, "", nil
	})
}

// Next returns the next item, fetching a new page when the buffer runs
// dry. Fetch errors are returned as-is and do not terminate the stream;
// the caller may retry Next.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for len(s.buf) == 0 {
		if s.done {
			return zero, ErrEndOfStream
		}
		items, next, err := s.fetch(ctx, s.cursor)
		if err != nil {
			return zero, err
		}
		s.buf = items
		s.cursor = next
		if next == "" {
			s.done = true
		}
	}
	item := s.buf[0]
	s.buf = s.buf[1:]
	return item, nil
}

// NextBatch returns up to n items. It returns ErrEndOfStream only when
// no items remain at all; a short final batch comes back with a nil
// error.
func (s *Stream[T]) NextBatch(ctx context.Context, n int) ([]T, error) {
	batch := make([]T, 0, n)
	for len(batch) < n {
		item, err := s.Next(ctx)
		if errors.Is(err, ErrEndOfStream) {
			if len(batch) == 0 {
				return nil, ErrEndOfStream
			}
			return batch, nil
		}
		if err != nil {
			return batch, err
		}
		batch = append(batch, item)
	}
	return batch, nil
}

// Collect drains the stream. Intended for small collections; large
// imports should use NextBatch.
func Collect[T any](ctx context.Context, s *Stream[T]) ([]T, error) {
	var out []T
	for {
		item, err := s.Next(ctx)
		if errors.Is(err, ErrEndOfStream) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
}
