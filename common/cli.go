// SPDX-FileCopyrightText: Copyright (C) 2025  David Stainton
// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides shared helpers for the mixlink command line tools.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// ErrUsage marks errors caused by how a command was invoked rather than by
// the network, so the error handler can print the usage text.
var ErrUsage = errors.New("usage")

// UsageErrorf formats an error that is reported together with the usage
// text of the failing command.
func UsageErrorf(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUsage}, a...)...)
}

// ExecuteWithFang runs cmd with fang, reporting the build version and
// exiting non-zero on error.
func ExecuteWithFang(cmd *cobra.Command) {
	if err := ExecuteContext(context.Background(), cmd); err != nil {
		os.Exit(1)
	}
}

// ExecuteContext is ExecuteWithFang without the exit, for callers that
// need the error.
func ExecuteContext(ctx context.Context, cmd *cobra.Command) error {
	return fang.Execute(
		ctx,
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	)
}

// ErrorHandlerWithUsage returns a fang error handler that prints the error
// and, for invocation errors, the usage text of cmd.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(strings.TrimPrefix(err.Error(), ErrUsage.Error()+": ")+"."))
		_, _ = fmt.Fprintln(w)

		if IsUsageError(err) {
			cmd.SetOut(colorprofile.NewWriter(w, os.Environ()))
			cmd.HelpFunc()(cmd, []string{})
			return
		}
		_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
			lipgloss.Left,
			styles.ErrorText.UnsetWidth().Render("Try"),
			styles.Program.Flag.Render("--help"),
			styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
		))
		_, _ = fmt.Fprintln(w)
	}
}

// IsUsageError reports whether err was caused by bad command line input.
// Cobra does not type its flag and argument errors, so those are matched
// on their text.
func IsUsageError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUsage) {
		return true
	}
	s := err.Error()
	for _, prefix := range []string{
		"flag needs an argument:",
		"unknown flag:",
		"unknown shorthand flag:",
		"unknown command",
		"invalid argument",
		"required flag",
		"accepts",
		"arg(s), received",
		"failed to load config file",
	} {
		if strings.Contains(s, prefix) {
			return true
		}
	}
	return false
}
