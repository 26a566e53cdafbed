// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stratum inspects relayed stratum traffic without modifying it.
//
// # Analyzer
//
// An Analyzer is fed raw bytes from both directions of a session:
//
//	Upload   (miner → pool):  AddUploadText
//	Download (pool → miner):  AddDownloadText
//
// Stratum is newline-delimited JSON-RPC, so the Analyzer buffers partial
// lines and only parses complete ones. Parsing is driven by the owner:
//
//	RunOnce  parses every complete line buffered so far
//	Run      switches to continuous mode; later Add calls parse immediately
//
// Bytes are never altered or withheld: the Analyzer only observes.
//
// # Logins
//
// Three login dialects are recognised on the upload side:
//
//	{"id":1,"method":"mining.authorize","params":["wallet.rig1","x"]}
//	{"id":1,"method":"eth_submitLogin","params":["0xabc...","x"],"worker":"rig1"}
//	{"id":1,"method":"login","params":{"login":"wallet.rig1","pass":"x"}}
//
// The login string is split at the first dot into account and worker name.
// The account is reported as Wallet when it looks like a coin address and as
// UserName otherwise.
//
// # Shares
//
// Ids of mining.submit, eth_submitWork and submit requests are remembered and
// matched against download responses to report accepted or rejected shares.
//
// An Analyzer is not safe for concurrent use; it belongs to one session.
package stratum
