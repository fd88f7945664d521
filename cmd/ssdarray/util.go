// Copyright (C) 2022-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"io"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/ssdarray-ng/lib/streamio"
)

func readJSONFile[T any](ctx context.Context, filename string) (T, error) {
	buf, err := streamio.OpenRuneScanner(dlog.WithField(ctx, "ssdarray.read-json-file", filename), dlog.LogLevelDebug, filename)
	if err != nil {
		var zero T
		return zero, err
	}
	defer func() {
		_ = buf.Close()
	}()
	var ret T
	if err := lowmemjson.DecodeThenEOF(buf, &ret); err != nil {
		var zero T
		return zero, err
	}
	return ret, nil
}

func writeJSONFile(w io.Writer, obj any, cfg lowmemjson.ReEncoder) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()
	cfg.Out = buffer
	return lowmemjson.Encode(&cfg, obj)
}

var prettyJSON = lowmemjson.ReEncoder{
	Indent:                "\t",
	ForceTrailingNewlines: true,
}
