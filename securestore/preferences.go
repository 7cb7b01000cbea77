package securestore

import (
	"fmt"
	"io"
	"time"

	"github.com/czh0526/walletcore/record"
	"github.com/czh0526/walletcore/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	preferencesBucket = []byte("muun-secure-storage")
	valuesBucket      = []byte("values")
	ivBucket          = []byte("aes-iv")
	modeKey           = []byte("mode")
)

const (
	auditTrailBucket = "audit-trail"

	// DefaultAuditTrailSize is the number of audit entries kept.
	DefaultAuditTrailSize = 100

	auditTimeFormat = "2006-01-02T15:04:05.000Z07:00"
)

// Operation names a mutation recorded in the audit trail.
type Operation string

const (
	OpPut    Operation = "PUT"
	OpDelete Operation = "DELETE"
	OpWipe   Operation = "WIPE"
)

// wipeLabel stands for every label in the audit trail.
const wipeLabel = "*"

// AuditEntry records one mutation of the storage. It never carries values.
type AuditEntry struct {
	Time      time.Time `json:"time"`
	Operation Operation `json:"op"`
	Label     string    `json:"label"`
}

func (e AuditEntry) String() string {
	return fmt.Sprintf("%s %s %s", e.Time.UTC().Format(auditTimeFormat),
		e.Operation, e.Label)
}

// preferences keeps ciphertexts, their IVs and the storage mode in
// walletdb. Every method runs inside the caller's transaction.
type preferences struct {
	audit     *record.Store[AuditEntry]
	auditSize int
}

func newPreferences(db walletdb.DB, auditSize int) (*preferences, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(preferencesBucket)
		if err != nil {
			return err
		}
		for _, name := range [][]byte{valuesBucket, ivBucket} {
			if _, err := ns.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create preferences: %w", err)
	}

	audit, err := record.NewStore(
		db, auditTrailBucket, record.Sequence[AuditEntry](),
		record.JSONCodec[AuditEntry]{},
	)
	if err != nil {
		return nil, err
	}

	if auditSize <= 0 {
		auditSize = DefaultAuditTrailSize
	}

	return &preferences{audit: audit, auditSize: auditSize}, nil
}

func nested(tx walletdb.ReadTx, name []byte) walletdb.ReadBucket {
	ns := tx.ReadBucket(preferencesBucket)
	if ns == nil {
		return nil
	}
	return ns.NestedReadBucket(name)
}

func nestedRW(tx walletdb.ReadWriteTx, name []byte) (walletdb.ReadWriteBucket,
	error) {

	ns := tx.ReadWriteBucket(preferencesBucket)
	if ns == nil {
		return nil, walletdb.ErrBucketNotFound
	}
	b := ns.NestedReadWriteBucket(name)
	if b == nil {
		return nil, walletdb.ErrBucketNotFound
	}
	return b, nil
}

// storedMode returns the mode the first write was made under, if any.
func (p *preferences) storedMode(tx walletdb.ReadTx) (fn.Option[Mode], error) {
	ns := tx.ReadBucket(preferencesBucket)
	if ns == nil {
		return fn.None[Mode](), walletdb.ErrBucketNotFound
	}

	raw := ns.Get(modeKey)
	if raw == nil {
		return fn.None[Mode](), nil
	}

	mode, err := ParseMode(string(raw))
	if err != nil {
		return fn.None[Mode](), err
	}

	return fn.Some(mode), nil
}

// isCompatible reports whether the storage is empty of mode records or was
// written under active.
func (p *preferences) isCompatible(tx walletdb.ReadTx, active Mode) (bool,
	error) {

	stored, err := p.storedMode(tx)
	if err != nil {
		return false, err
	}

	return stored.UnwrapOr(active) == active, nil
}

// saveBytes stores a ciphertext, recording the mode on the first write.
func (p *preferences) saveBytes(tx walletdb.ReadWriteTx, label string,
	value []byte, mode Mode) error {

	ns := tx.ReadWriteBucket(preferencesBucket)
	if ns == nil {
		return walletdb.ErrBucketNotFound
	}
	if ns.Get(modeKey) == nil {
		if err := ns.Put(modeKey, []byte(mode.String())); err != nil {
			return err
		}
	}

	values, err := nestedRW(tx, valuesBucket)
	if err != nil {
		return err
	}

	return values.Put([]byte(label), value)
}

func (p *preferences) getBytes(tx walletdb.ReadTx, label string) []byte {
	values := nested(tx, valuesBucket)
	if values == nil {
		return nil
	}

	value := values.Get([]byte(label))
	if value == nil {
		return nil
	}

	return append([]byte(nil), value...)
}

func (p *preferences) hasKey(tx walletdb.ReadTx, label string) bool {
	values := nested(tx, valuesBucket)
	return values != nil && values.Get([]byte(label)) != nil
}

// storedIV returns the IV kept for label, if any. A stored IV of the wrong
// size is reported rather than replaced.
func (p *preferences) storedIV(tx walletdb.ReadTx,
	label string) (fn.Option[[]byte], error) {

	ivs := nested(tx, ivBucket)
	if ivs == nil {
		return fn.None[[]byte](), walletdb.ErrBucketNotFound
	}

	iv := ivs.Get([]byte(label))
	if iv == nil {
		return fn.None[[]byte](), nil
	}
	if len(iv) != IVSize {
		return fn.None[[]byte](), fmt.Errorf("iv for %q has size %d "+
			"!= %d", label, len(iv), IVSize)
	}

	return fn.Some(append([]byte(nil), iv...)), nil
}

func (p *preferences) saveIV(tx walletdb.ReadWriteTx, label string,
	iv []byte) error {

	ivs, err := nestedRW(tx, ivBucket)
	if err != nil {
		return err
	}

	return ivs.Put([]byte(label), iv)
}

func newIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(prng, iv); err != nil {
		return nil, err
	}
	return iv, nil
}

// delete removes the value of label. Its IV stays so a later put reuses
// it, as a hardware keystore may keep the alias.
func (p *preferences) delete(tx walletdb.ReadWriteTx, label string) error {
	values, err := nestedRW(tx, valuesBucket)
	if err != nil {
		return err
	}

	return values.Delete([]byte(label))
}

// wipe removes every value, IV and the mode record, and clears the audit
// trail.
func (p *preferences) wipe(tx walletdb.ReadWriteTx) error {
	ns := tx.ReadWriteBucket(preferencesBucket)
	if ns == nil {
		return walletdb.ErrBucketNotFound
	}

	for _, name := range [][]byte{valuesBucket, ivBucket} {
		if err := ns.DeleteNestedBucket(name); err != nil {
			return err
		}
		if _, err := ns.CreateBucket(name); err != nil {
			return err
		}
	}

	if err := ns.Delete(modeKey); err != nil {
		return err
	}

	return p.audit.TrimTx(tx, 0)
}

func labelsOf(b walletdb.ReadBucket) ([]string, error) {
	var labels []string
	if b == nil {
		return labels, nil
	}

	err := b.ForEach(func(k, _ []byte) error {
		labels = append(labels, string(k))
		return nil
	})

	return labels, err
}

func (p *preferences) labels(tx walletdb.ReadTx) ([]string, error) {
	return labelsOf(nested(tx, valuesBucket))
}

func (p *preferences) ivLabels(tx walletdb.ReadTx) ([]string, error) {
	return labelsOf(nested(tx, ivBucket))
}

// recordAudit appends an entry to the audit trail, dropping the oldest
// entries beyond the trail size.
func (p *preferences) recordAudit(tx walletdb.ReadWriteTx,
	entry AuditEntry) error {

	if _, err := p.audit.PutTx(tx, entry); err != nil {
		return err
	}

	return p.audit.TrimTx(tx, p.auditSize)
}

func (p *preferences) auditTrail() ([]string, error) {
	records, err := p.audit.All()
	if err != nil {
		return nil, err
	}

	trail := make([]string, 0, len(records))
	for _, rec := range records {
		trail = append(trail, rec.Value.String())
	}

	return trail, nil
}
