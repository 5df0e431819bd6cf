package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bfotp/bfotp/internal/pageparser"
)

const (
	errMessageAccountNotFound  = "account not found"
	errMessageEmptyAccountID   = "account id cannot be empty"
	errMessageFetchAccountList = "fetch account list"
	errMessageParseAccountList = "parse account list"
	logMessageAccountsLoaded   = "account directory loaded"
	logFieldAccountCount       = "accounts"
)

var (
	// ErrAccountNotFound is returned by Lookup when the id is not among the visible accounts.
	ErrAccountNotFound = errors.New(errMessageAccountNotFound)
	errEmptyAccountID  = errors.New(errMessageEmptyAccountID)
)

// AccountRecord is one visible sub-account of an authenticated session.
type AccountRecord struct {
	AccountID    string
	DisplayName  string
	SerialNumber string
}

// PageFetcher retrieves the account listing markup for the current session.
type PageFetcher interface {
	FetchAccountListPage(ctx context.Context) (string, error)
}

// Directory caches the account list of one authenticated session.
type Directory struct {
	fetcher PageFetcher
	logger  *zap.Logger

	cacheMutex  sync.RWMutex
	records     []AccountRecord
	cached      bool
	generation  uint64
	flightGroup singleflight.Group
}

// New constructs an empty Directory.
func New(fetcher PageFetcher, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{fetcher: fetcher, logger: logger}
}

// List returns the cached accounts, fetching and parsing the listing page on first use.
// Concurrent first calls share a single fetch. List never returns while a fetch it joined
// is still running, so the fetcher is idle once every caller is gone.
func (directory *Directory) List(ctx context.Context) ([]AccountRecord, error) {
	for attempt := 0; ; attempt++ {
		directory.cacheMutex.RLock()
		if directory.cached {
			records := cloneRecords(directory.records)
			directory.cacheMutex.RUnlock()
			return records, nil
		}
		generation := directory.generation
		directory.cacheMutex.RUnlock()

		value, err, shared := directory.flightGroup.Do(strconv.FormatUint(generation, 10), func() (interface{}, error) {
			return directory.load(ctx, generation)
		})
		if err != nil {
			if shared && attempt == 0 && isContextError(err) && ctx.Err() == nil {
				// The caller that started the shared fetch went away; fetch again with ours.
				continue
			}
			return nil, err
		}
		records, _ := value.([]AccountRecord)
		return cloneRecords(records), nil
	}
}

// Lookup returns the account with the given id, loading the list if needed.
func (directory *Directory) Lookup(ctx context.Context, accountID string) (AccountRecord, error) {
	trimmedAccountID := strings.TrimSpace(accountID)
	if trimmedAccountID == "" {
		return AccountRecord{}, errEmptyAccountID
	}
	records, err := directory.List(ctx)
	if err != nil {
		return AccountRecord{}, err
	}
	for _, record := range records {
		if record.AccountID == trimmedAccountID {
			return record, nil
		}
	}
	return AccountRecord{}, fmt.Errorf("%w: %s", ErrAccountNotFound, trimmedAccountID)
}

// Invalidate drops the cached list. A fetch already in flight will not repopulate it.
func (directory *Directory) Invalidate() {
	directory.cacheMutex.Lock()
	directory.records = nil
	directory.cached = false
	directory.generation++
	directory.cacheMutex.Unlock()
}

// Cached reports whether a list is currently held.
func (directory *Directory) Cached() bool {
	directory.cacheMutex.RLock()
	defer directory.cacheMutex.RUnlock()
	return directory.cached
}

func (directory *Directory) load(ctx context.Context, generation uint64) ([]AccountRecord, error) {
	records, err := directory.fetch(ctx)
	if err != nil {
		return nil, err
	}
	directory.cacheMutex.Lock()
	if directory.generation == generation {
		directory.records = records
		directory.cached = true
	}
	directory.cacheMutex.Unlock()
	directory.logger.Debug(logMessageAccountsLoaded, zap.Int(logFieldAccountCount, len(records)))
	return records, nil
}

func (directory *Directory) fetch(ctx context.Context) ([]AccountRecord, error) {
	pageContent, err := directory.fetcher.FetchAccountListPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageFetchAccountList, err)
	}
	entries, err := pageparser.ParseAccountList(pageContent)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageParseAccountList, err)
	}
	records := make([]AccountRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, AccountRecord{
			AccountID:    entry.ID,
			DisplayName:  entry.DisplayName,
			SerialNumber: entry.SerialNumber,
		})
	}
	return records, nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func cloneRecords(records []AccountRecord) []AccountRecord {
	cloned := make([]AccountRecord, len(records))
	copy(cloned, records)
	return cloned
}
