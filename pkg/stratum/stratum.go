// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stratum

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Direction indicates which way bytes travel through the relay.
type Direction int

const (
	// Upload represents bytes flowing from miner to pool.
	Upload Direction = iota

	// Download represents bytes flowing from pool to miner.
	Download
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return "unknown"
	}
}

// Worker is the identity a miner presents at login.
type Worker struct {
	Wallet     string
	UserName   string
	WorkerName string
	Password   string

	// Login is the raw login string as sent.
	Login string
}

// Account returns the wallet, or the user name when no wallet was given.
func (w Worker) Account() string {
	if w.Wallet != "" {
		return w.Wallet
	}
	return w.UserName
}

// Login and share methods.
const (
	MethodAuthorize   = "mining.authorize"
	MethodEthLogin    = "eth_submitLogin"
	MethodLogin       = "login"
	MethodSubmit      = "mining.submit"
	MethodEthSubmit   = "eth_submitWork"
	MethodSubmitShare = "submit"
)

type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Worker string          `json:"worker"`
}

type response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

type loginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	RigID string `json:"rigid"`
}

// parseLogin extracts a Worker from a login request. ok is false for any
// other method or unusable params.
func parseLogin(req request) (Worker, bool) {
	var login, pass, worker string

	switch req.Method {
	case MethodAuthorize, MethodEthLogin:
		var params []any
		if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
			return Worker{}, false
		}
		s, ok := params[0].(string)
		if !ok {
			return Worker{}, false
		}
		login = s
		if len(params) > 1 {
			pass, _ = params[1].(string)
		}
		if req.Method == MethodEthLogin {
			worker = req.Worker
		}
	case MethodLogin:
		var params loginParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return Worker{}, false
		}
		login, pass, worker = params.Login, params.Pass, params.RigID
	default:
		return Worker{}, false
	}

	login = strings.TrimSpace(login)
	if login == "" {
		return Worker{}, false
	}

	w := Worker{Password: pass, Login: login}
	account := login
	if i := strings.IndexByte(login, '.'); i >= 0 {
		account = login[:i]
		w.WorkerName = login[i+1:]
	}
	if worker != "" {
		w.WorkerName = worker
	}
	if IsWallet(account) {
		w.Wallet = account
	} else {
		w.UserName = account
	}
	return w, true
}

func isSubmit(method string) bool {
	switch method {
	case MethodSubmit, MethodEthSubmit, MethodSubmitShare:
		return true
	}
	return false
}

// accepted interprets a share response. Plain true results and xmrig-style
// {"status":"OK"} objects count as accepted.
func accepted(resp response) bool {
	if len(resp.Error) > 0 && !bytes.Equal(resp.Error, []byte("null")) {
		return false
	}
	var b bool
	if err := json.Unmarshal(resp.Result, &b); err == nil {
		return b
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Result, &status); err == nil {
		return strings.EqualFold(status.Status, "ok")
	}
	return false
}

// idKey normalises a JSON-RPC id for map lookups. Null and missing ids
// yield "".
func idKey(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	return string(raw)
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// IsWallet reports whether s looks like a coin address: an Ethereum style
// 0x address, a bech32 Bitcoin address, a base58 Bitcoin address, or a
// Monero address.
func IsWallet(s string) bool {
	switch {
	case len(s) == 42 && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")):
		return onlyIn(s[2:], "0123456789abcdefABCDEF")
	case strings.HasPrefix(s, "bc1") || strings.HasPrefix(s, "tb1"):
		return len(s) >= 14 && len(s) <= 74 && onlyIn(s[3:], bech32Charset)
	case len(s) >= 26 && len(s) <= 35 && (s[0] == '1' || s[0] == '3'):
		return onlyIn(s, base58Alphabet)
	case (len(s) == 95 || len(s) == 106) && (s[0] == '4' || s[0] == '8'):
		return onlyIn(s, base58Alphabet)
	}
	return false
}

func onlyIn(s, set string) bool {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(set, s[i]) < 0 {
			return false
		}
	}
	return true
}
