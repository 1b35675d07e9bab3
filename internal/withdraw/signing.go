package withdraw

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/btcbridge/internal/gossip"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

// OnMsg handles a signing message from another member.
func (m *Manager) OnMsg(ctx context.Context, msg *gossip.Msg) {
	if msg == nil || msg.From == m.signer.ID() {
		return
	}
	if err := m.members.Verify(msg); err != nil {
		m.log.WithError(err).WithField("from", msg.From).Debug("dropping signing message")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		m.log.WithError(err).Error("withdrawal ledger unavailable")
		return
	}

	var err error
	switch {
	case msg.Type == gossip.MsgTypeSignRequest && msg.SignRequest != nil:
		err = m.onSignRequest(ctx, msg.From, msg.SignRequest)
	case msg.Type == gossip.MsgTypeSigShare && msg.SigShare != nil:
		err = m.onSigShare(ctx, msg.From, msg.SigShare)
	default:
		return
	}

	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"from": msg.From,
			"type": msg.Type.String(),
		}).Warn("signing message rejected")
	}
}

func (m *Manager) onSignRequest(ctx context.Context, from string, req *gossip.SignRequest) error {
	w, ok := m.requests[req.RequestID]
	if !ok {
		if err := m.sync(ctx); err != nil {
			return errors.Wrap(err, "refreshing requests")
		}
		if w, ok = m.requests[req.RequestID]; !ok {
			return errors.Errorf("unknown request %s", req.RequestID)
		}
	}

	if w.Builder != from {
		return errors.Errorf("%s is not the builder of %s", from, req.RequestID)
	}
	if w.Request.Status.Terminal() {
		return nil
	}
	if req.Attempt < w.Attempt {
		return errors.Errorf("stale attempt %d, at %d", req.Attempt, w.Attempt)
	}

	utxos, err := m.ledger.ListUTXOs(ctx)
	if err != nil {
		return err
	}
	custody := make(map[bridge.OutPoint]*bridge.UTXO, len(utxos))
	for _, u := range utxos {
		custody[u.OutPoint] = u
	}

	tx, err := m.checkProposal(w, req, custody)
	if err != nil {
		return errors.Wrap(err, "refusing to sign")
	}
	txid := tx.TxHash().String()

	// one transaction per attempt
	if req.Attempt == w.Attempt && w.TxID != "" && w.TxID != txid {
		return errors.Errorf("attempt %d already signed as %s", req.Attempt, w.TxID)
	}

	sigs, err := m.custody.Sign(tx, req.Inputs, m.key)
	if err != nil {
		return err
	}

	for _, in := range req.Inputs {
		u := custody[in.OutPoint]
		if u.Reserved == "" {
			u.Reserved = w.Request.RequestID
			if err := m.ledger.PutUTXO(ctx, u); err != nil {
				return err
			}
		}
	}

	if w.TxID != "" && w.TxID != txid {
		w.Replaced = append(w.Replaced, w.TxID)
	}
	w.Attempt = req.Attempt
	w.TxID = txid
	w.Inputs = req.Inputs
	w.UnsignedTx = req.UnsignedTx
	w.FeeRate = req.FeeRate
	if w.History == nil {
		w.History = map[string][]byte{}
	}
	w.History[txid] = req.UnsignedTx

	if w.Request.Status.CanAdvance(bridge.WithdrawalAwaitingSignatures) {
		if err := m.transition(w, bridge.WithdrawalAwaitingSignatures); err != nil {
			return err
		}
	}
	if err := m.persist(ctx, w); err != nil {
		return err
	}
	m.track(txid, w.Request.RequestID)

	m.log.WithFields(logrus.Fields{
		"request": w.Request.RequestID,
		"txid":    txid,
		"attempt": req.Attempt,
	}).Info("signed withdrawal share")

	return m.publish(ctx, &gossip.Msg{
		Type: gossip.MsgTypeSigShare,
		SigShare: &gossip.SigShare{
			RequestID:  w.Request.RequestID,
			Attempt:    req.Attempt,
			TxHash:     txid,
			Signatures: sigs,
		},
	})
}

func (m *Manager) onSigShare(ctx context.Context, from string, share *gossip.SigShare) error {
	w, ok := m.requests[share.RequestID]
	if !ok || w.Builder != m.signer.ID() || !collecting(w) {
		return nil
	}
	if share.Attempt != w.Attempt || share.TxHash != w.TxID {
		m.log.WithFields(logrus.Fields{"request": w.Request.RequestID, "from": from}).Debug("share for another attempt")
		return nil
	}
	if _, dup := w.Signatures[from]; dup {
		return nil
	}

	tx, err := deserializeTx(w.UnsignedTx)
	if err != nil {
		return err
	}
	if err := m.custody.VerifyShare(tx, w.Inputs, from, share.Signatures); err != nil {
		return err
	}

	w.Signatures[from] = share.Signatures

	m.log.WithFields(logrus.Fields{
		"request": w.Request.RequestID,
		"from":    from,
		"have":    w.SignatureCount(),
		"need":    m.custody.Threshold(),
	}).Debug("signature share accepted")

	if w.SignatureCount() >= m.custody.Threshold() {
		return m.finalize(ctx, w)
	}
	return m.persist(ctx, w)
}
