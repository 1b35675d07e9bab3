package withdraw

import (
	"bytes"
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/internal/gossip"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

const maxSelectRounds = 3

// step advances one request this node builds.
func (m *Manager) step(ctx context.Context, w *bridge.Withdrawal) error {
	switch w.Request.Status {
	case bridge.WithdrawalPending, bridge.WithdrawalBuilding:
		if len(w.UnsignedTx) == 0 {
			return m.build(ctx, w)
		}
		return m.requestSignatures(ctx, w)

	case bridge.WithdrawalAwaitingSignatures:
		return m.collect(ctx, w)

	case bridge.WithdrawalSigned:
		return m.broadcast(ctx, w)

	case bridge.WithdrawalBroadcast:
		if collecting(w) {
			return m.collect(ctx, w)
		}
		if !w.Broadcasted {
			return m.broadcast(ctx, w)
		}
		if w.Confirmations > 0 {
			return nil
		}
		if done, err := m.checkConflicts(ctx, w); done || err != nil {
			return err
		}
		return m.bump(ctx, w)
	}

	return nil
}

func (m *Manager) build(ctx context.Context, w *bridge.Withdrawal) error {
	if w.Request.Status == bridge.WithdrawalPending {
		if err := m.transition(w, bridge.WithdrawalBuilding); err != nil {
			return err
		}
		if err := m.persist(ctx, w); err != nil {
			return err
		}
		m.report(ctx, w)
	}

	dest, err := DestinationScript(w.Request.DestinationAddress, m.opts.Params)
	if err != nil {
		return m.fail(ctx, w, err)
	}
	if w.Request.Amount <= 0 {
		return m.fail(ctx, w, errors.Wrapf(bridge.ErrMalformed, "amount %d", w.Request.Amount))
	}

	target := w.Request.FeePolicy.ConfTarget
	if target < 1 {
		target = m.opts.DefaultConfTarget
	}
	rate, err := m.chain.EstimateFeeRate(ctx, target)
	if err != nil {
		return errors.Wrap(err, "estimating fee rate")
	}
	if rc := m.rateCap(&w.Request); rc > 0 && rate > rc {
		return m.fail(ctx, w, errors.Wrapf(bridge.ErrFeeRateCap, "estimate %.2f sat/vB above cap %.2f", rate, rc))
	}

	sz := newSizer(m.custody, dest)
	sel, err := m.selectInputs(ctx, w, rate, sz)
	if err != nil {
		if bridge.IsTerminal(err) {
			return m.fail(ctx, w, err)
		}
		return err
	}
	if m.opts.MaxFee > 0 && sel.Fee > m.opts.MaxFee {
		return m.fail(ctx, w, errors.Wrapf(bridge.ErrFeeRateCap, "fee %d above %d", sel.Fee, m.opts.MaxFee))
	}

	sortInputs(sel.Inputs)
	tx, changeIndex, err := buildTx(sel.Inputs, dest, w.Request.Amount, sel.Change, m.custody)
	if err != nil {
		return err
	}
	raw, err := serializeTx(tx)
	if err != nil {
		return err
	}

	for i := range sel.Inputs {
		sel.Inputs[i].Reserved = w.Request.RequestID
		if err := m.ledger.PutUTXO(ctx, &sel.Inputs[i]); err != nil {
			return errors.Wrap(err, "reserving input")
		}
	}

	txid := tx.TxHash().String()
	w.Inputs = sel.Inputs
	w.FeeRate = rate
	w.Fee = sel.Fee
	w.ChangeIndex = changeIndex
	w.UnsignedTx = raw
	w.TxID = txid
	if w.History == nil {
		w.History = map[string][]byte{}
	}
	w.History[txid] = raw
	m.track(txid, w.Request.RequestID)

	m.log.WithFields(logrus.Fields{
		"request": w.Request.RequestID,
		"txid":    txid,
		"inputs":  len(sel.Inputs),
		"fee":     sel.Fee,
		"rate":    rate,
	}).Info("withdrawal transaction built")

	return m.requestSignatures(ctx, w)
}

// selectInputs picks custody outputs and confirms with the pool that they
// are still unspent, dropping any that are not and selecting again.
func (m *Manager) selectInputs(ctx context.Context, w *bridge.Withdrawal, rate float64, sz sizer) (*Selection, error) {
	pick := SelectBranchAndBound
	if m.opts.CoinSelection == config.CoinSelectionLargestFirst {
		pick = SelectLargestFirst
	}

	for round := 0; round < maxSelectRounds; round++ {
		utxos, err := m.available(ctx, w.Request.RequestID)
		if err != nil {
			return nil, err
		}

		sel, err := pick(utxos, w.Request.Amount, rate, sz, m.opts.ChangeDust)
		if err != nil {
			return nil, err
		}

		spent := false
		for _, in := range sel.Inputs {
			st, err := m.chain.OutputStatus(ctx, in.OutPoint)
			if err != nil {
				return nil, errors.Wrapf(err, "checking input %s", in.OutPoint)
			}
			if st.Unspent {
				continue
			}

			m.log.WithFields(logrus.Fields{"outpoint": in.OutPoint.String(), "spender": st.SpendingTxID}).Warn("custody output already spent")
			if err := m.ledger.DeleteUTXO(ctx, in.OutPoint); err != nil {
				return nil, err
			}
			spent = true
		}

		if !spent {
			return sel, nil
		}
	}

	return nil, errors.New("custody set changed during selection")
}

// available lists custody outputs free for request id.
func (m *Manager) available(ctx context.Context, id string) ([]bridge.UTXO, error) {
	all, err := m.ledger.ListUTXOs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing custody outputs")
	}

	var out []bridge.UTXO
	for _, u := range all {
		if !bytes.Equal(u.Script, m.custody.PkScript()) {
			continue
		}
		if u.Reserved != "" && u.Reserved != id {
			continue
		}
		out = append(out, *u)
	}
	sortInputs(out)
	return out, nil
}

func (m *Manager) requestSignatures(ctx context.Context, w *bridge.Withdrawal) error {
	if w.Request.Status != bridge.WithdrawalAwaitingSignatures && w.Request.Status != bridge.WithdrawalBroadcast {
		if err := m.transition(w, bridge.WithdrawalAwaitingSignatures); err != nil {
			return err
		}
		defer m.report(ctx, w)
	}

	tx, err := deserializeTx(w.UnsignedTx)
	if err != nil {
		return err
	}
	sigs, err := m.custody.Sign(tx, w.Inputs, m.key)
	if err != nil {
		return errors.Wrap(err, "signing own share")
	}

	w.Signatures = map[string][][]byte{m.signer.ID(): sigs}
	w.SigningSince = m.now()
	w.Stalled = false

	if err := m.persist(ctx, w); err != nil {
		return err
	}

	return m.collect(ctx, w)
}

func collecting(w *bridge.Withdrawal) bool {
	if w.Signed != nil || len(w.UnsignedTx) == 0 {
		return false
	}
	return w.Request.Status == bridge.WithdrawalAwaitingSignatures || w.Request.Status == bridge.WithdrawalBroadcast
}

// collect finalizes once enough shares are in. Otherwise it flags the
// request after the signing timeout and asks for shares again.
func (m *Manager) collect(ctx context.Context, w *bridge.Withdrawal) error {
	if w.SignatureCount() >= m.custody.Threshold() {
		return m.finalize(ctx, w)
	}

	if !w.Stalled && m.now().Sub(w.SigningSince) >= m.opts.SignTimeout {
		w.Stalled = true
		if err := m.persist(ctx, w); err != nil {
			return err
		}
		m.log.WithFields(logrus.Fields{
			"request": w.Request.RequestID,
			"have":    w.SignatureCount(),
			"need":    m.custody.Threshold(),
			"waiting": m.now().Sub(w.SigningSince).String(),
			"attempt": w.Attempt,
		}).Error("withdrawal signing stalled")
	}

	return m.publish(ctx, &gossip.Msg{
		Type: gossip.MsgTypeSignRequest,
		SignRequest: &gossip.SignRequest{
			RequestID:  w.Request.RequestID,
			Attempt:    w.Attempt,
			UnsignedTx: w.UnsignedTx,
			Inputs:     w.Inputs,
			FeeRate:    w.FeeRate,
		},
	})
}

func (m *Manager) publish(ctx context.Context, msg *gossip.Msg) error {
	msg.Timestamp = m.now()
	if err := m.signer.SignMsg(msg); err != nil {
		return err
	}
	return errors.Wrapf(m.transport.Publish(ctx, gossip.SigningTopic, msg), "publishing %s", msg.Type)
}

func (m *Manager) finalize(ctx context.Context, w *bridge.Withdrawal) error {
	tx, err := deserializeTx(w.UnsignedTx)
	if err != nil {
		return err
	}
	if err := m.custody.Finalize(tx, w.Signatures); err != nil {
		return err
	}
	raw, err := serializeTx(tx)
	if err != nil {
		return err
	}

	sigs := make(map[string][][]byte, len(w.Signatures))
	for id, s := range w.Signatures {
		sigs[id] = s
	}
	w.Signed = &bridge.SignedTransaction{
		RequestID:           w.Request.RequestID,
		RawTx:               raw,
		CollectedSignatures: sigs,
	}
	w.Stalled = false

	if w.Request.Status == bridge.WithdrawalAwaitingSignatures {
		if err := m.transition(w, bridge.WithdrawalSigned); err != nil {
			return err
		}
	}

	// the signed form must be durable before anything is sent
	if err := m.persist(ctx, w); err != nil {
		return err
	}
	m.report(ctx, w)

	return m.broadcast(ctx, w)
}

func (m *Manager) broadcast(ctx context.Context, w *bridge.Withdrawal) error {
	if w.Signed == nil {
		return errors.Errorf("%s has no signed transaction", w.Request.RequestID)
	}

	if w.Broadcasted {
		// sent before a restart; only the status move is missing
		if w.Request.Status == bridge.WithdrawalSigned {
			if err := m.transition(w, bridge.WithdrawalBroadcast); err != nil {
				return err
			}
			if err := m.persist(ctx, w); err != nil {
				return err
			}
			m.report(ctx, w)
		}
		return nil
	}

	w.Broadcasted = true
	if len(w.Replaced) == 0 {
		w.BroadcastAt = m.now()
	} else {
		w.ReplacementAt = m.now()
	}
	if err := m.persist(ctx, w); err != nil {
		return err
	}

	results := m.chain.Broadcast(ctx, w.TxID, w.Signed.RawTx)
	w.Signed.BroadcastResult = append(w.Signed.BroadcastResult, results...)

	accepted := 0
	for _, r := range results {
		if r.Error == "" {
			accepted++
		}
	}

	log := m.log.WithFields(logrus.Fields{
		"request":  w.Request.RequestID,
		"txid":     w.TxID,
		"accepted": accepted,
		"nodes":    len(results),
	})

	if accepted == 0 {
		log.Warn("no node accepted withdrawal transaction")
		w.Broadcasted = false
		return m.persist(ctx, w)
	}

	log.Info("withdrawal transaction broadcast")
	m.cache.Add(w.TxID, w.Signed.RawTx, results)

	if w.Request.Status == bridge.WithdrawalSigned {
		if err := m.transition(w, bridge.WithdrawalBroadcast); err != nil {
			return err
		}
	}
	if err := m.persist(ctx, w); err != nil {
		return err
	}
	m.report(ctx, w)

	return nil
}

// checkConflicts fails the request when one of its inputs was spent by a
// transaction that is not one of its attempts.
func (m *Manager) checkConflicts(ctx context.Context, w *bridge.Withdrawal) (bool, error) {
	mine := map[string]struct{}{}
	for _, id := range txids(w) {
		mine[id] = struct{}{}
	}

	var conflicts []bridge.OutPoint
	var spender string
	for _, in := range w.Inputs {
		st, err := m.chain.OutputStatus(ctx, in.OutPoint)
		if err != nil {
			return false, errors.Wrapf(err, "checking input %s", in.OutPoint)
		}
		if st.Unspent || st.SpendingTxID == "" {
			continue
		}
		if _, ok := mine[st.SpendingTxID]; ok {
			continue
		}
		conflicts = append(conflicts, in.OutPoint)
		spender = st.SpendingTxID
	}

	if len(conflicts) == 0 {
		return false, nil
	}

	for _, op := range conflicts {
		if err := m.ledger.DeleteUTXO(ctx, op); err != nil {
			return true, err
		}
	}
	if err := m.release(ctx, w); err != nil {
		return true, err
	}
	for _, id := range txids(w) {
		m.untrack(id)
	}

	return true, m.fail(ctx, w, errors.Wrapf(bridge.ErrDoubleSpend, "input %s spent by %s", conflicts[0], spender))
}

// bump replaces an unconfirmed transaction with one paying a higher fee
// rate over the same inputs.
func (m *Manager) bump(ctx context.Context, w *bridge.Withdrawal) error {
	if m.opts.BumpAfter <= 0 {
		return nil
	}
	last := w.BroadcastAt
	if w.ReplacementAt.After(last) {
		last = w.ReplacementAt
	}
	if m.now().Sub(last) < m.opts.BumpAfter {
		return nil
	}

	rate := w.FeeRate * m.opts.BumpFactor
	if rc := m.rateCap(&w.Request); rc > 0 && rate > rc {
		return m.fail(ctx, w, errors.Wrapf(bridge.ErrFeeRateCap, "bumped rate %.2f sat/vB above cap %.2f", rate, rc))
	}

	dest, err := DestinationScript(w.Request.DestinationAddress, m.opts.Params)
	if err != nil {
		return m.fail(ctx, w, err)
	}
	fee, change, err := spendFor(w.Inputs, w.Request.Amount, rate, newSizer(m.custody, dest), m.opts.ChangeDust)
	if err != nil {
		return m.fail(ctx, w, err)
	}
	if m.opts.MaxFee > 0 && fee > m.opts.MaxFee {
		return m.fail(ctx, w, errors.Wrapf(bridge.ErrFeeRateCap, "bumped fee %d above %d", fee, m.opts.MaxFee))
	}

	tx, changeIndex, err := buildTx(w.Inputs, dest, w.Request.Amount, change, m.custody)
	if err != nil {
		return err
	}
	raw, err := serializeTx(tx)
	if err != nil {
		return err
	}

	old, txid := w.TxID, tx.TxHash().String()
	w.Replaced = append(w.Replaced, old)
	w.Attempt++
	w.TxID = txid
	w.UnsignedTx = raw
	w.History[txid] = raw
	w.FeeRate = rate
	w.Fee = fee
	w.ChangeIndex = changeIndex
	w.Signed = nil
	w.Broadcasted = false
	w.ReplacementAt = m.now()
	m.track(txid, w.Request.RequestID)

	m.log.WithFields(logrus.Fields{
		"request":  w.Request.RequestID,
		"replaces": old,
		"txid":     txid,
		"rate":     rate,
		"attempt":  w.Attempt,
	}).Info("replacing withdrawal transaction")

	return m.requestSignatures(ctx, w)
}

func (m *Manager) rebroadcast(ctx context.Context) {
	for _, r := range m.cache.Due() {
		sort.Strings(r.nodes)
		for _, n := range r.nodes {
			res := m.chain.BroadcastTo(ctx, n, r.txid, r.raw)
			if res.Error != "" {
				m.log.WithFields(logrus.Fields{"txid": r.txid, "node": n}).Debug("rebroadcast rejected: " + res.Error)
				continue
			}
			m.cache.Accepted(r.txid, n)
		}
	}
}

// OnTxStatus applies confirmation data for watched transactions.
func (m *Manager) OnTxStatus(ctx context.Context, tip int64, statuses []bridge.TxStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range statuses {
		id, ok := m.own.Load(st.TxID)
		if !ok || !st.Confirmed {
			continue
		}
		w, ok := m.requests[id]
		if !ok {
			continue
		}

		conf := st.Confirmations(tip)
		if conf <= w.Confirmations {
			continue
		}
		w.Confirmations = conf

		if conf >= m.opts.Confirmations {
			if err := m.confirm(ctx, w, st); err != nil {
				m.log.WithError(err).WithField("request", id).Error("settling withdrawal failed")
			}
			continue
		}

		if err := m.persist(ctx, w); err != nil {
			m.log.WithError(err).WithField("request", id).Error("storing confirmations failed")
		}
	}
}

func (m *Manager) confirm(ctx context.Context, w *bridge.Withdrawal, st bridge.TxStatus) error {
	ids := txids(w)

	if err := m.settle(ctx, w, st.TxID, st.BlockHeight); err != nil {
		return err
	}
	for _, id := range ids {
		m.untrack(id)
	}

	if st.TxID != w.TxID {
		m.log.WithFields(logrus.Fields{"request": w.Request.RequestID, "txid": st.TxID}).Info("earlier withdrawal attempt confirmed")
		w.TxID = st.TxID
	}

	if w.Request.Status.Terminal() {
		m.log.WithFields(logrus.Fields{"request": w.Request.RequestID, "txid": st.TxID}).Warn("failed withdrawal confirmed on chain")
	} else {
		w.Stalled = false
		if err := m.transition(w, bridge.WithdrawalConfirmed); err != nil {
			return err
		}
	}

	if err := m.persist(ctx, w); err != nil {
		return err
	}
	m.report(ctx, w)

	return nil
}

// settle removes spent inputs from custody and adds change.
func (m *Manager) settle(ctx context.Context, w *bridge.Withdrawal, txid string, height int64) error {
	raw, ok := w.History[txid]
	if !ok {
		return errors.Errorf("no record of transaction %s", txid)
	}
	tx, err := deserializeTx(raw)
	if err != nil {
		return err
	}

	for _, in := range tx.TxIn {
		op := bridge.OutPoint{TxID: in.PreviousOutPoint.Hash.String(), Vout: in.PreviousOutPoint.Index}
		if err := m.ledger.DeleteUTXO(ctx, op); err != nil {
			return err
		}
	}

	for i, out := range tx.TxOut {
		if !bytes.Equal(out.PkScript, m.custody.PkScript()) {
			continue
		}
		u := &bridge.UTXO{
			OutPoint: bridge.OutPoint{TxID: txid, Vout: uint32(i)},
			Value:    out.Value,
			Script:   out.PkScript,
			Height:   height,
		}
		if err := m.ledger.PutUTXO(ctx, u); err != nil {
			return err
		}
	}

	return nil
}
