package partial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ReadRange streams exactly the bytes [start, end) of the URL's
// content. Cached blocks are served from disk; missing runs are
// downloaded from the origin, written through to the data file, and
// marked in the bitmap as they land. Closing the returned reader
// cancels the stream. Closing the File while a read is in flight ends
// the stream early without an error: the reader observes io.EOF before
// end is reached.
func (f *File) ReadRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if start < 0 || start > end || end > f.length {
		return nil, fmt.Errorf("partial: range [%d, %d) outside content length %d", start, end, f.length)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(f.stream(ctx, pw, start, end))
	}()
	return pr, nil
}

// stream runs the two-phase loop: serve the contiguous cached run at
// the cursor, then download the contiguous missing run that follows,
// until the requested range is covered.
func (f *File) stream(ctx context.Context, pw *io.PipeWriter, start, end int64) error {
	if start == end {
		return nil
	}
	df, err := os.OpenFile(f.dataPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("partial: opening data file: %w", err)
	}
	defer df.Close()

	i := int(start >> blockShift)
	pos := int64(i) << blockShift
	buf := make([]byte, BlockSize)

	for pos < end {
		if f.isClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// Phase 1: cached run.
		for i < f.blockCount && f.hasBlock(i) && pos < end {
			want := int64(BlockSize)
			if pos+want > f.length {
				want = f.length - pos
			}
			n, _ := df.ReadAt(buf[:want], pos)
			if n == 0 {
				break
			}
			if err := emit(pw, buf[:n], pos, start, end); err != nil {
				return err
			}
			pos += int64(n)
			i++
		}
		if pos >= end {
			break
		}

		// Phase 2: missing run, bounded by the next cached block and
		// the end of the requested range.
		stopI := f.nextCachedIndex(i + 1)
		if hi := int((end-1)>>blockShift) + 1; hi < stopI {
			stopI = hi
		}
		stopPos := int64(stopI) << blockShift
		if stopPos > f.length {
			stopPos = f.length
		}
		startPos := int64(i) << blockShift
		pos = startPos

		body, err := f.openRun(ctx, startPos, stopPos)
		if err != nil {
			return err
		}
		derr := f.download(ctx, pw, df, body, &i, &pos, start, end, stopPos)
		body.Close()
		if ferr := f.flushPending(); derr == nil {
			derr = ferr
		}
		if errors.Is(derr, ErrClosed) {
			// Close mid-download truncates the stream, it is not an
			// error the reader should see.
			return nil
		}
		if derr != nil {
			return derr
		}
	}
	return nil
}

// openRun returns a stream covering [startPos, stopPos), preferring
// the full-content response parked by accrue when the run starts at 0.
func (f *File) openRun(ctx context.Context, startPos, stopPos int64) (io.ReadCloser, error) {
	if startPos == 0 {
		if resp := f.takeReusable(); resp != nil {
			// The parked body carries the whole content; bound it to
			// the run.
			return struct {
				io.Reader
				io.Closer
			}{io.LimitReader(resp.Body, stopPos), resp.Body}, nil
		}
	}
	resp, err := f.manager.origin.OpenRange(ctx, f.url, startPos, stopPos-1)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("partial: origin returned %s", resp.Status)
	}
	return resp.Body, nil
}

// download drains body into the data file starting at *pos, yielding
// the slice of each chunk that overlaps [start, end) and marking
// blocks whose bytes are fully on disk.
func (f *File) download(ctx context.Context, pw *io.PipeWriter, df *os.File, body io.Reader, i *int, pos *int64, start, end, stopPos int64) error {
	buf := make([]byte, 32<<10)
	blockStart := int64(*i) << blockShift
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if err := emit(pw, chunk, *pos, start, end); err != nil {
				return err
			}
			if _, err := df.WriteAt(chunk, *pos); err != nil {
				return fmt.Errorf("partial: writing data file: %w", err)
			}
			*pos += int64(n)
			for *i < f.blockCount {
				blockEnd := blockStart + BlockSize
				if blockEnd > f.length {
					blockEnd = f.length
				}
				if *pos < blockEnd {
					break
				}
				if err := f.setBlock(*i); err != nil {
					return err
				}
				*i++
				blockStart += BlockSize
			}
		}
		if *pos >= stopPos {
			return nil
		}
		if rerr == io.EOF {
			return fmt.Errorf("partial: origin stream ended at %d, want %d: %w", *pos, stopPos, io.ErrUnexpectedEOF)
		}
		if rerr != nil {
			return rerr
		}
		if f.isClosed() {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// emit writes the part of chunk (located at pos in the content) that
// overlaps the requested [start, end) range.
func emit(pw *io.PipeWriter, chunk []byte, pos, start, end int64) error {
	lo := int64(0)
	if start > pos {
		lo = start - pos
	}
	hi := int64(len(chunk))
	if end-pos < hi {
		hi = end - pos
	}
	if lo >= hi {
		return nil
	}
	_, err := pw.Write(chunk[lo:hi])
	return err
}
