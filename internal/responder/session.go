package responder

// session tracks the single open-session rule and transaction ID
// monotonicity (spec.md §4.5 "Session rules", "Transaction ID rules").
// Exactly one session may be open at a time; OpenSession/CloseSession
// accept any transaction ID, every other operation must strictly
// increase it within the session, wrapping 0xFFFFFFFF back to 1 (0 is
// reserved and never valid as a request ID).
type session struct {
	open   bool
	id     uint32
	lastTx uint32
	haveTx bool

	// lastSentObject is the handle SendObjectInfo most recently created,
	// consumed by the SendObject that follows in the same Idle->WaitData
	// cycle (MTP 1.1 §10.2.10 "Send Object").
	lastSentObject uint32
}

func (s *session) reset() {
	s.open = false
	s.lastTx = 0
	s.haveTx = false
	s.lastSentObject = 0
}

// noteOpen records the transaction ID carried by a successful
// OpenSession, establishing the baseline every later transaction ID
// must exceed.
func (s *session) noteOpen(txID uint32) {
	s.haveTx = true
	s.lastTx = txID
}

// checkTransactionID validates id against the session's monotonicity
// rule for non-session operations: strictly greater than the previous
// one, except that 0xFFFFFFFF wraps to accept any id from 1 up. 0 is
// never a valid request transaction ID.
func (s *session) checkTransactionID(id uint32) bool {
	if id == 0 {
		return false
	}
	if !s.haveTx {
		s.lastTx = id
		s.haveTx = true
		return true
	}
	valid := id > s.lastTx
	if s.lastTx == 0xFFFFFFFF {
		valid = id >= 1
	}
	if !valid {
		return false
	}
	s.lastTx = id
	return true
}
