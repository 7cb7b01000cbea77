package swaps

import (
	"github.com/czh0526/walletcore/record"
	"github.com/czh0526/walletcore/walletdb"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const swapsBucket = "submarine-swaps"

// Store keeps submarine swaps by the UUID the swap server gave them.
type Store struct {
	records *record.Store[SubmarineSwap]
}

// NewStore opens the swap store kept in db.
func NewStore(db walletdb.DB) (*Store, error) {
	records, err := record.NewStore(
		db, swapsBucket,
		record.External(func(s SubmarineSwap) fn.Option[uuid.UUID] {
			return s.ServerUUID
		}),
		record.JSONCodec[SubmarineSwap]{},
	)
	if err != nil {
		return nil, err
	}

	return &Store{records: records}, nil
}

// Put stores swap, replacing the stored swap with the same UUID. Swaps
// without a UUID fail with record.ErrMissingIdentity.
func (s *Store) Put(swap *SubmarineSwap) error {
	rec, err := s.records.Put(*swap)
	if err != nil {
		return err
	}

	log.Debugf("Stored swap %v", rec.ID)

	return nil
}

// Get returns the swap with the given UUID, if any.
func (s *Store) Get(id uuid.UUID) (fn.Option[*SubmarineSwap], error) {
	swap, err := s.records.Get(record.UUID(id))
	if err != nil {
		return fn.None[*SubmarineSwap](), err
	}

	return fn.MapOption(func(v SubmarineSwap) *SubmarineSwap {
		return &v
	})(swap), nil
}

// Pending returns the stored swaps that were not paid yet.
func (s *Store) Pending() ([]*SubmarineSwap, error) {
	records, err := s.records.All()
	if err != nil {
		return nil, err
	}

	var pending []*SubmarineSwap
	for _, rec := range records {
		swap := rec.Value
		if !swap.IsPaid() {
			pending = append(pending, &swap)
		}
	}

	return pending, nil
}

// Delete removes the swap with the given UUID.
func (s *Store) Delete(id uuid.UUID) error {
	return s.records.Delete(record.UUID(id))
}
