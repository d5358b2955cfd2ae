// Copyright 2016 Liam Stanley <me@liamstanley.io>. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

// Package halcyon implements the IRC wire protocol: parsing and
// serializing a single line (including IRCv3 message tags), CTCP framing,
// line splitting, and nickname/channel/user validation. Higher level
// concerns (state tracking, transport, capability negotiation, SASL,
// registration, dispatch, DCC) live in their own sub-packages and build on
// top of the types defined here.
package halcyon
