package main

import (
	"encoding/json"
	"fmt"
	"os"

	"mediashare/pkg/merkle"

	"github.com/spf13/cobra"
)

func merkleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merkle",
		Short: "Build Merkle trees over files and issue or check inclusion proofs",
	}
	cmd.AddCommand(merkleRootCmd(), merkleProofCmd(), merkleVerifyCmd())
	return cmd
}

func readItems(paths []string) ([][]byte, error) {
	items := make([][]byte, 0, len(paths))
	for _, path := range paths {
		data, err := readInput(path)
		if err != nil {
			return nil, err
		}
		items = append(items, data)
	}
	return items, nil
}

func merkleRootCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "root <file>...",
		Short: "Print the root over the files in argument order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readItems(args)
			if err != nil {
				return err
			}

			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			tree, err := n.BuildMerkleTree(items)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(tree)
			}
			fmt.Println(tree.Root)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the whole tree as JSON")
	return cmd
}

func merkleProofCmd() *cobra.Command {
	var item string

	cmd := &cobra.Command{
		Use:   "proof --item <file> <file>...",
		Short: "Print the inclusion proof of --item in the tree over the files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readItems(args)
			if err != nil {
				return err
			}
			target, err := readInput(item)
			if err != nil {
				return err
			}

			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			tree, err := n.BuildMerkleTree(items)
			if err != nil {
				return err
			}
			proof, err := n.GetMerkleProof(tree, target)
			if err != nil {
				return err
			}
			return writeJSON(struct {
				Root  string       `json:"root"`
				Proof merkle.Proof `json:"proof"`
			}{tree.Root, proof})
		},
	}

	cmd.Flags().StringVar(&item, "item", "", "file to prove")
	cmd.MarkFlagRequired("item")
	return cmd
}

func merkleVerifyCmd() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "verify <file> <proof.json>",
		Short: "Check a proof produced by \"merkle proof\"",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := readInput(args[0])
			if err != nil {
				return err
			}
			raw, err := readInput(args[1])
			if err != nil {
				return err
			}
			var doc struct {
				Root  string       `json:"root"`
				Proof merkle.Proof `json:"proof"`
			}
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("failed to parse proof: %w", err)
			}
			if root == "" {
				root = doc.Root
			}

			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			if !n.VerifyMerkleProof(item, doc.Proof, root) {
				fmt.Println(dangerValueStyle.Render("invalid"))
				return fmt.Errorf("proof does not match root %s", root)
			}
			fmt.Println(accentValueStyle.Render("valid"))
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "expected root (defaults to the root in the proof file)")
	return cmd
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
