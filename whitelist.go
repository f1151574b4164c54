package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const whitelistRefreshInterval = 5 * time.Minute

// loadWhitelistFile parses one hex info_hash per line; blank lines and
// lines starting with # are ignored. The returned set is never nil: a file
// that can't be opened yields an empty set, which blocks every torrent.
// Bad lines are skipped and reported together in the error.
func loadWhitelistFile(path string) (map[HashID]struct{}, error) {
	hashes := make(map[HashID]struct{})

	//nolint:gosec // Path is controlled by admin
	file, err := os.Open(path)
	if err != nil {
		return hashes, fmt.Errorf("failed to open whitelist: %w", err)
	}
	//nolint:errcheck // read-only
	defer file.Close()

	var errs error
	scanner := bufio.NewScanner(file)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		hash, ok, err := parseWhitelistLine(scanner.Text())
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("line %d: %w", lineNum, err))
			continue
		}
		if ok {
			hashes[hash] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to read whitelist: %w", err))
	}
	return hashes, errs
}

// parseWhitelistLine reports ok=false for lines that carry no hash.
func parseWhitelistLine(line string) (HashID, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return HashID{}, false, nil
	}
	if len(line) != 2*hashSize {
		return HashID{}, false, fmt.Errorf("expected %d hex chars, got %d", 2*hashSize, len(line))
	}
	decoded, err := hex.DecodeString(line)
	if err != nil {
		return HashID{}, false, fmt.Errorf("invalid hex: %w", err)
	}
	return NewHashID(decoded), true, nil
}

// reloadWhitelist swaps in the current contents of path.
func (tr *Tracker) reloadWhitelist(path string) {
	hashes, err := loadWhitelistFile(path)
	if err != nil {
		tr.log.Warn("whitelist has problems", zap.String("path", path), zap.Error(err))
	}
	tr.whitelist.Store(&hashes)
	tr.log.Info("loaded whitelist", zap.String("path", path), zap.Int("hashes", len(hashes)))
}

// startWhitelistManager loads the whitelist into tr, then polls the file's
// mtime every whitelistRefreshInterval until ctx is canceled.
func (tr *Tracker) startWhitelistManager(ctx context.Context, path string, clk clock.Clock) {
	tr.reloadWhitelist(path)

	go func() {
		var lastMod time.Time
		if fi, err := os.Stat(path); err == nil {
			lastMod = fi.ModTime()
		}

		ticker := clk.Ticker(whitelistRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			fi, err := os.Stat(path)
			if err != nil {
				tr.log.Warn("failed to stat whitelist file", zap.Error(err))
				continue
			}
			if fi.ModTime().Equal(lastMod) {
				continue
			}
			lastMod = fi.ModTime()
			tr.reloadWhitelist(path)
		}
	}()
}

// isWhitelisted reports whether hash may be tracked. With no whitelist
// configured every hash is allowed.
func (tr *Tracker) isWhitelisted(hash HashID) bool {
	m := tr.whitelist.Load()
	if m == nil {
		return true
	}
	_, ok := (*m)[hash]
	return ok
}
