package gossip

import (
	"fmt"

	"github.com/tcfw/btcbridge/pkg/cryptography"
)

// Cluster is a set of member identities sharing one Hub, for tests and
// single-process devnets.
type Cluster struct {
	Hub     *Hub
	Members *Members
	Signers []*Signer
}

// NewCluster creates n members named m0..m(n-1) with fresh BLS keys.
func NewCluster(n int) *Cluster {
	c := &Cluster{Hub: NewHub()}

	ms := make([]*Member, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m%d", i)
		sk := cryptography.NewBls12381PrivateKey()

		ms = append(ms, &Member{ID: id, BLSKey: sk.Public().(*cryptography.Bls12381PublicKey)})
		c.Signers = append(c.Signers, NewSigner(id, sk))
	}

	c.Members = NewMembers(ms...)
	return c
}

func (c *Cluster) Transport(i int) Transport {
	return c.Hub.Endpoint(c.Signers[i].ID())
}
