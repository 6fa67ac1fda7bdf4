package ca

import (
	"otpcluster/internal/clientproto"
	"otpcluster/internal/wire"

	"go.uber.org/zap"
)

// handleLogin implements spec section 4.3.1: version/dc-hash/token-type
// checks, then LoadAccount against the persistent token->accountId KV,
// creating a fresh Account object on first sight of a token. Grounded on
// original_source/realtime/accounts.py's LoadAccountFSM state chain,
// flattened here into a single callback-driven sequence since the Go CA
// has no need for accounts.py's explicit FSM-state bookkeeping: the
// dbClient callback closure already captures "what happens next."
func (s *Server) handleLogin(sess *Session, payload []byte) {
	it := wire.NewDatagramIterator(payload)
	serverVersion, err1 := it.GetString()
	hashVal, err2 := it.GetUint32()
	tokenType, err3 := it.GetUint8()
	token, err4 := it.GetString()
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		s.disconnect(sess, clientproto.DISCONNECT_TRUNCATED_DATAGRAM, "truncated login")
		return
	}

	if serverVersion != s.cfg.Version {
		s.disconnect(sess, clientproto.DISCONNECT_BAD_VERSION, "version mismatch")
		return
	}
	if hashVal != s.cfg.HashVal {
		s.disconnect(sess, clientproto.DISCONNECT_BAD_DCHASH, "dc hash mismatch")
		return
	}
	if tokenType != clientproto.TokenTypeBlue && tokenType != clientproto.TokenTypeDisl {
		s.disconnect(sess, clientproto.DISCONNECT_INVALID_MSGTYPE, "unknown token type")
		return
	}

	if accountId, ok := s.kv.Lookup(token); ok {
		s.finishLogin(sess, accountId, false)
		return
	}

	fields := map[uint16][]byte{
		s.scheme.AccountAvSet: wire.NewDatagram().
			AddUint32(0).AddUint32(0).AddUint32(0).
			AddUint32(0).AddUint32(0).AddUint32(0).Bytes(),
	}
	s.dbc.CreateObject(s.scheme.AccountClass, fields, func(doId uint32) {
		if err := s.kv.Bind(token, doId); err != nil {
			s.log.Error("bind account token failed", zap.Error(err), zap.Uint32("accountId", doId))
			s.disconnect(sess, clientproto.DISCONNECT_INVALID_MSGTYPE, "account allocation failed")
			return
		}
		s.finishLogin(sess, doId, true)
	})
}

// finishLogin marks the session authenticated, binds its sender identity
// to the account channel, and replies CLIENT_LOGIN_2_RESP to the client.
func (s *Server) finishLogin(sess *Session, accountId uint32, freshlyCreated bool) {
	sess.mu.Lock()
	sess.accountId = accountId
	sess.authenticated = true
	sess.mu.Unlock()

	s.bus.Subscribe(wire.AccountConnectionChannel(accountId), s.makeChannelHandler(sess))

	if s.metrics != nil {
		s.metrics.CAAuthenticated.Inc()
	}

	resp := wire.NewDatagram().
		AddUint8(1).
		AddString("").
		AddUint32(accountId).
		AddBool(freshlyCreated)
	s.sendToClient(sess, clientproto.CLIENT_LOGIN_2_RESP, resp.Bytes())
}
