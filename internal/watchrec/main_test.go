// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package watchrec

import (
	"testing"

	test "github.com/westerndigitalcorporation/recstore/pkg/testutil"
)

func TestMain(m *testing.M) {
	test.TestMain(m)
}
