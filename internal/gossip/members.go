package gossip

import (
	"sort"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/pkg/cryptography"
)

func msgpackMarshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

type Member struct {
	ID     string
	PeerID peer.ID
	BLSKey *cryptography.Bls12381PublicKey
	BTCKey *cryptography.Secp256k1PublicKey
}

// Members is the fixed cluster membership, sorted by id.
type Members struct {
	list []*Member
	byID map[string]*Member
}

func NewMembers(ms ...*Member) *Members {
	out := &Members{byID: map[string]*Member{}}
	for _, m := range ms {
		if _, dup := out.byID[m.ID]; dup {
			continue
		}
		out.byID[m.ID] = m
		out.list = append(out.list, m)
	}

	sort.Slice(out.list, func(i, j int) bool { return out.list[i].ID < out.list[j].ID })
	return out
}

// MembersFromConfig decodes the multibase keys of every configured member.
func MembersFromConfig(cfg []config.Member) (*Members, error) {
	ms := make([]*Member, 0, len(cfg))

	for _, c := range cfg {
		m := &Member{ID: c.ID}

		if c.PeerID != "" {
			id, err := peer.Decode(c.PeerID)
			if err != nil {
				return nil, errors.Wrapf(err, "member %s peer id", c.ID)
			}
			m.PeerID = id
		}

		bk, err := cryptography.ParseBls12381PublicKey(c.BLSKey)
		if err != nil {
			return nil, errors.Wrapf(err, "member %s bls key", c.ID)
		}
		m.BLSKey = bk

		if c.BTCKey != "" {
			pk, err := cryptography.ParseSecp256k1PublicKey(c.BTCKey)
			if err != nil {
				return nil, errors.Wrapf(err, "member %s btc key", c.ID)
			}
			m.BTCKey = pk
		}

		ms = append(ms, m)
	}

	return NewMembers(ms...), nil
}

func (ms *Members) Get(id string) (*Member, bool) {
	m, ok := ms.byID[id]
	return m, ok
}

// List returns members ordered by id.
func (ms *Members) List() []*Member {
	return ms.list
}

func (ms *Members) Len() int {
	return len(ms.list)
}

func (ms *Members) IDs() []string {
	out := make([]string, len(ms.list))
	for i, m := range ms.list {
		out[i] = m.ID
	}
	return out
}
