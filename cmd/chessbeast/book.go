// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/chessbeast/services/annotate/reference"
)

func newBookCmd(a *app) *cobra.Command {
	book := &cobra.Command{
		Use:   "book",
		Short: "Manage the opening book",
	}
	book.AddCommand(
		&cobra.Command{
			Use:   "import <file>",
			Short: `Import "ECO|Name|moves" lines into book.path`,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if a.cfg.Book.Path == "" {
					return errors.New("book.path is not set")
				}
				b, err := reference.Open(reference.Config{Path: a.cfg.Book.Path, Logger: a.logger()})
				if err != nil {
					return fmt.Errorf("open book: %w", err)
				}
				defer b.Close()

				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open %s: %w", args[0], err)
				}
				defer f.Close()
				n, err := b.Import(cmd.Context(), f)
				if err != nil {
					return err
				}
				total, err := b.Len()
				if err != nil {
					return err
				}
				a.out.Success(fmt.Sprintf("imported %d lines; the book holds %d", n, total))
				return nil
			},
		},
		&cobra.Command{
			Use:   "lookup <moves...>",
			Short: "Name the opening reached by a move sequence",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if a.cfg.Book.Path == "" && a.cfg.Book.Seed == "" {
					return errors.New("neither book.path nor book.seed is set")
				}
				b, err := openBook(cmd.Context(), a.cfg.Book, true, a.logger())
				if err != nil {
					return err
				}
				defer b.Close()

				moves := strings.Fields(strings.Join(args, " "))
				op, err := b.LookupOpening(cmd.Context(), moves)
				if err != nil {
					return err
				}
				if !op.Known() {
					a.out.Warning("not in the book")
					return nil
				}
				a.out.Success(fmt.Sprintf("%s %s (book until ply %d)", op.ECO, op.Name, op.MatchedPlies))
				return nil
			},
		},
	)
	return book
}
