package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"raidstore/internal/engine"
	"raidstore/internal/integrity"
)

var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Store, fetch and remove objects",
}

func detectContentType(path string, content []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return http.DetectContentType(content)
}

func printObject(w io.Writer, obj engine.Object) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", obj.Name, humanize.IBytes(uint64(obj.Size)), obj.Checksum, obj.ContentType)
}

type uploadFunc func(e *engine.Engine, ctx context.Context, name string, content []byte, contentType string) (engine.Object, error)

// uploadCommand builds the put and update commands, which differ only in the
// engine operation they call.
func uploadCommand(use, short string, op uploadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <file> [name]",
		Short: short,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			name := filepath.Base(args[0])
			if len(args) == 2 {
				name = args[1]
			}

			e, closeMeta, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeMeta()

			obj, err := op(e, cmd.Context(), name, content, detectContentType(args[0], content))
			if err != nil {
				return err
			}

			printObject(cmd.OutOrStdout(), obj)
			return nil
		},
	}
}

var (
	objectPutCmd    = uploadCommand("put", "Store a new object", (*engine.Engine).Create)
	objectUpdateCmd = uploadCommand("update", "Replace the content of an existing object", (*engine.Engine).Update)
)

var objectGetCmd = &cobra.Command{
	Use:   "get <name> <out>",
	Short: "Write the content of an object to a file, or - for stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeMeta, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeMeta()

		obj, err := e.Retrieve(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if args[1] == "-" {
			_, err = cmd.OutOrStdout().Write(obj.Content)
			return err
		}
		return os.WriteFile(args[1], obj.Content, 0o644)
	},
}

var objectRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Remove an object from every disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeMeta, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeMeta()

		return e.Delete(cmd.Context(), args[0])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored objects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeMeta, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeMeta()

		objects, err := e.List(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED\tCONTENT TYPE")
		for _, obj := range objects {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", obj.Name, humanize.IBytes(uint64(obj.Size)), humanize.Time(obj.ModifiedAt), obj.ContentType)
		}
		return tw.Flush()
	},
}

var errNotValid = errors.New("object is not valid")

var checkCmd = &cobra.Command{
	Use:   "check <name>",
	Short: "Report whether an object's stripe is intact, without repairing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeMeta, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeMeta()

		res, err := e.Check(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if res.Reason != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", args[0], res.Status, res.Reason)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], res.Status)
		}

		if res.Status != integrity.StatusValid {
			return errNotValid
		}
		return nil
	},
}

func init() {
	objectCmd.AddCommand(objectPutCmd, objectUpdateCmd, objectGetCmd, objectRmCmd)
	rootCmd.AddCommand(objectCmd, listCmd, checkCmd)
}
