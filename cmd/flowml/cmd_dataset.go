// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/flowml/services/flow/api"
	"github.com/AleutianAI/flowml/services/flow/dataset"
)

var (
	datasetCmd = &cobra.Command{
		Use:   "dataset",
		Short: "Manage stored datasets",
	}
	datasetImportCmd = &cobra.Command{
		Use:   "import [file]",
		Short: "Import a CSV or JSON dataset into the store",
		Long: `Reads a CSV file with a header row (column types are inferred) or a dataset
in flowml's JSON form and stores it under --key, which defaults to the file name.
A file of "-" reads CSV from a piped stdin; --key is then required.`,
		Args: cobra.ExactArgs(1),
		RunE: runDatasetImport,
	}
	datasetListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored dataset keys",
		Args:  cobra.NoArgs,
		RunE:  runDatasetList,
	}
	datasetShowCmd = &cobra.Command{
		Use:   "show [key]",
		Short: "Describe a stored dataset, or print it with --format",
		Args:  cobra.ExactArgs(1),
		RunE:  runDatasetShow,
	}
	datasetDeleteCmd = &cobra.Command{
		Use:   "delete [key]",
		Short: "Delete a stored dataset",
		Args:  cobra.ExactArgs(1),
		RunE:  runDatasetDelete,
	}

	importKey      string
	importTarget   string
	importNoTarget bool
	showFormat     string
)

func init() {
	datasetImportCmd.Flags().StringVar(&importKey, "key", "", "Key to store the dataset under (default: file name without extension)")
	datasetImportCmd.Flags().StringVar(&importTarget, "target", "", "CSV column to use as target (default: last column)")
	datasetImportCmd.Flags().BoolVar(&importNoTarget, "no-target", false, "Import CSV without a target column")
	datasetShowCmd.Flags().StringVar(&showFormat, "format", "", "Print the records as csv or json instead of a summary")

	datasetCmd.AddCommand(datasetImportCmd, datasetListCmd, datasetShowCmd, datasetDeleteCmd)
	rootCmd.AddCommand(datasetCmd)
}

func runDatasetImport(cmd *cobra.Command, args []string) error {
	path := args[0]
	key := importKey
	if key == "" {
		if path == "-" {
			return errors.New("--key is required when reading from stdin")
		}
		key = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	var in io.Reader
	if path == "-" {
		if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return errors.New("stdin is a terminal; pipe a CSV file into import -")
		}
		in = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	d, err := readDataset(in, path, key)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	p, closeStore, err := openStorage(storageFile())
	if err != nil {
		return err
	}
	defer closeStore()

	if err := p.Put(cmd.Context(), key, d); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d records into %q\n", d.Len(), key)
	return nil
}

// readDataset decodes JSON by extension and CSV otherwise.
func readDataset(r io.Reader, path, name string) (*dataset.Dataset, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var d dataset.Dataset
		if err := json.NewDecoder(r).Decode(&d); err != nil {
			return nil, err
		}
		return &d, nil
	}
	return dataset.ReadCSV(r, dataset.CSVOptions{
		Name:     name,
		Target:   importTarget,
		NoTarget: importNoTarget,
	})
}

func runDatasetList(cmd *cobra.Command, _ []string) error {
	p, closeStore, err := openStorage(storageFile())
	if err != nil {
		return err
	}
	defer closeStore()

	keys, err := p.Keys(cmd.Context())
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), k)
	}
	return nil
}

func runDatasetShow(cmd *cobra.Command, args []string) error {
	p, closeStore, err := openStorage(storageFile())
	if err != nil {
		return err
	}
	defer closeStore()

	d, err := p.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch showFormat {
	case "csv":
		return dataset.WriteCSV(out, d)
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	case "":
		info := api.Describe(args[0], d)
		fmt.Fprintf(out, "Key:     %s\nSchema:  %s\nRecords: %d\nFields:  %s\n",
			info.Key, info.Schema, info.Records, strings.Join(info.Fields, ", "))
		if info.Target != "" {
			fmt.Fprintf(out, "Target:  %s\n", info.Target)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want csv or json)", showFormat)
	}
}

func runDatasetDelete(cmd *cobra.Command, args []string) error {
	p, closeStore, err := openStorage(storageFile())
	if err != nil {
		return err
	}
	defer closeStore()
	return p.Delete(cmd.Context(), args[0])
}
