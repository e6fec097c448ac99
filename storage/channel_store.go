package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/commitment"
	chanerrors "statechannels/core/errors"
	"statechannels/core/types"
	"statechannels/observability"
)

// DefaultKeyPrefix namespaces every key written by a ChannelStore.
const DefaultKeyPrefix = "statechannels"

// CommitmentEntry is a signed commitment saved together with channels.
type CommitmentEntry struct {
	AppID  common.Hash
	Record commitment.Record
}

// ChannelStore persists state channels, their latest commitments and the
// node's extended private key on top of a Database.
type ChannelStore struct {
	db      Database
	prefix  string
	metrics *observability.StoreMetrics
}

// NewChannelStore wraps db. An empty prefix selects DefaultKeyPrefix.
func NewChannelStore(db Database, prefix string) *ChannelStore {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &ChannelStore{db: db, prefix: prefix, metrics: observability.Store()}
}

func (s *ChannelStore) channelKey(multisig common.Address) []byte {
	return []byte(s.prefix + "/channel/" + strings.ToLower(multisig.Hex()))
}

func (s *ChannelStore) channelPrefix() []byte {
	return []byte(s.prefix + "/channel/")
}

func (s *ChannelStore) appKey(id common.Hash) []byte {
	return []byte(s.prefix + "/app/" + id.Hex())
}

func (s *ChannelStore) commitmentKey(kind commitment.Kind, id common.Hash) []byte {
	return []byte(s.prefix + "/commitment/" + string(kind) + "/" + id.Hex())
}

func (s *ChannelStore) xprivKey() []byte {
	return []byte(s.prefix + "/xpriv")
}

func (s *ChannelStore) observe(operation string, start time.Time, err *error) {
	s.metrics.Observe(operation, start, *err)
}

// GetStateChannel loads the channel keyed by multisig.
func (s *ChannelStore) GetStateChannel(multisig common.Address) (_ *types.StateChannel, err error) {
	defer s.observe("get_channel", time.Now(), &err)
	raw, err := s.db.Get(s.channelKey(multisig))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", chanerrors.ErrChannelNotFound, multisig.Hex())
		}
		return nil, err
	}
	return decodeChannel(raw)
}

// HasStateChannel reports whether a channel exists for multisig.
func (s *ChannelStore) HasStateChannel(multisig common.Address) (bool, error) {
	return s.db.Has(s.channelKey(multisig))
}

func decodeChannel(raw []byte) (*types.StateChannel, error) {
	sc := new(types.StateChannel)
	if err := json.Unmarshal(raw, sc); err != nil {
		return nil, fmt.Errorf("storage: decode state channel: %w", err)
	}
	return sc, nil
}

// GetStateChannelByAppID resolves the channel holding an installed or
// proposed app.
func (s *ChannelStore) GetStateChannelByAppID(id common.Hash) (*types.StateChannel, error) {
	raw, err := s.db.Get(s.appKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, chanerrors.NewAppNotFound(id, common.Address{})
		}
		return nil, err
	}
	return s.GetStateChannel(common.BytesToAddress(raw))
}

// GetAppInstance returns an installed app by identity hash.
func (s *ChannelStore) GetAppInstance(id common.Hash) (*types.AppInstance, error) {
	sc, err := s.GetStateChannelByAppID(id)
	if err != nil {
		return nil, err
	}
	return sc.GetAppInstance(id)
}

// ListStateChannels returns every stored channel in key order.
func (s *ChannelStore) ListStateChannels() (out []*types.StateChannel, err error) {
	defer s.observe("list_channels", time.Now(), &err)
	err = s.db.Iterate(s.channelPrefix(), func(_, value []byte) error {
		sc, err := decodeChannel(value)
		if err != nil {
			return err
		}
		out = append(out, sc)
		return nil
	})
	return out, err
}

// indexedApps returns the app ids resolvable to sc.
func indexedApps(sc *types.StateChannel) map[common.Hash]struct{} {
	ids := map[common.Hash]struct{}{sc.FreeBalance().IdentityHash(): {}}
	for _, app := range sc.AppInstances() {
		ids[app.IdentityHash()] = struct{}{}
	}
	for _, p := range sc.ProposedAppInstances() {
		ids[p.IdentityHash] = struct{}{}
	}
	return ids
}

// SaveStateChannels writes channels and commitments in one atomic batch and
// keeps the app id index in step with each channel's apps.
func (s *ChannelStore) SaveStateChannels(channels []*types.StateChannel, commitments ...CommitmentEntry) (err error) {
	defer s.observe("save_channels", time.Now(), &err)
	batch := s.db.NewBatch()
	for _, sc := range channels {
		raw, err := json.Marshal(sc)
		if err != nil {
			return fmt.Errorf("storage: encode state channel %s: %w", sc.MultisigAddress().Hex(), err)
		}
		current := indexedApps(sc)
		previous, err := s.GetStateChannel(sc.MultisigAddress())
		switch {
		case err == nil:
			for id := range indexedApps(previous) {
				if _, ok := current[id]; !ok {
					batch.Delete(s.appKey(id))
				}
			}
		case !errors.Is(err, chanerrors.ErrChannelNotFound):
			return err
		}
		batch.Put(s.channelKey(sc.MultisigAddress()), raw)
		for id := range current {
			batch.Put(s.appKey(id), sc.MultisigAddress().Bytes())
		}
	}
	for _, entry := range commitments {
		raw, err := entry.Record.Marshal()
		if err != nil {
			return err
		}
		batch.Put(s.commitmentKey(entry.Record.Kind, entry.AppID), raw)
	}
	return batch.Write()
}

// SaveStateChannel is SaveStateChannels for a single channel.
func (s *ChannelStore) SaveStateChannel(sc *types.StateChannel, commitments ...CommitmentEntry) error {
	return s.SaveStateChannels([]*types.StateChannel{sc}, commitments...)
}

// GetCommitment returns the latest commitment of kind stored for id.
func (s *ChannelStore) GetCommitment(kind commitment.Kind, id common.Hash) (commitment.Record, error) {
	raw, err := s.db.Get(s.commitmentKey(kind, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return commitment.Record{}, fmt.Errorf("storage: no %s commitment for %s: %w", kind, id.Hex(), err)
		}
		return commitment.Record{}, err
	}
	return commitment.UnmarshalRecord(raw)
}

// GetExtendedPrivateKey returns the node's stored extended private key.
func (s *ChannelStore) GetExtendedPrivateKey() (string, error) {
	raw, err := s.db.Get(s.xprivKey())
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SetExtendedPrivateKey stores the node's extended private key.
func (s *ChannelStore) SetExtendedPrivateKey(xpriv string) error {
	return s.db.Put(s.xprivKey(), []byte(strings.TrimSpace(xpriv)))
}

// Close closes the underlying database.
func (s *ChannelStore) Close() {
	s.db.Close()
}
