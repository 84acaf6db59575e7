// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import "github.com/bridgemesh/relaynode/internal/counters"

// sharedCounters is constructed once for the whole package's test binary:
// counters.New registers its vectors against the default Prometheus
// registerer, so a second call anywhere in this binary would panic on
// duplicate collector registration.
var sharedCounters = counters.New()
