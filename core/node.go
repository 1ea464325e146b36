package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"circuit/core/state"
	"circuit/native/xdns"
	telemetry "circuit/observability/otel"
	"circuit/storage"
	"circuit/storage/trie"
)

var headKey = []byte("circuit/head")

type head struct {
	Block uint64
	Root  common.Hash
}

// CommitHook observes every committed block.
type CommitHook interface {
	CommitBlock(ctx context.Context, number uint64, root common.Hash) error
}

// Node drives a runtime block by block over a persistent database and
// remembers the last committed head across restarts.
type Node struct {
	db      storage.Database
	runtime *Runtime
	fresh   bool
	hooks   []CommitHook
}

// OpenNode loads the last committed head from db, or starts from an empty
// state when there is none.
func OpenNode(db storage.Database, params Params) (*Node, error) {
	var h head
	raw, err := db.Get(headKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("node: read head: %w", err)
	default:
		if err := rlp.DecodeBytes(raw, &h); err != nil {
			return nil, fmt.Errorf("node: decode head: %w", err)
		}
	}
	fresh := raw == nil
	var root []byte
	if !fresh {
		root = h.Root.Bytes()
	}
	tr, err := trie.NewTrie(db, root)
	if err != nil {
		return nil, fmt.Errorf("node: open state: %w", err)
	}
	rt := NewRuntime(state.NewManager(tr), params)
	if !fresh {
		rt.Resume(h.Block)
		slog.Info("node: resumed", "block", h.Block, "root", h.Root.Hex())
	}
	return &Node{db: db, runtime: rt, fresh: fresh}, nil
}

// Runtime returns the runtime the node drives.
func (n *Node) Runtime() *Runtime { return n.runtime }

// Fresh reports whether the node started without a committed head.
func (n *Node) Fresh() bool { return n.fresh }

// AddCommitHook registers h to run after every committed block.
func (n *Node) AddCommitHook(h CommitHook) {
	if h != nil {
		n.hooks = append(n.hooks, h)
	}
}

// InitGenesis applies g and commits it as block 0.
func (n *Node) InitGenesis(ctx context.Context, g *xdns.Genesis) error {
	if err := n.runtime.Genesis(g); err != nil {
		return err
	}
	_, err := n.commit(ctx)
	return err
}

// ProduceBlock runs the hooks of the next block and commits it. A failing
// block hook is logged; the block is still committed.
func (n *Node) ProduceBlock(ctx context.Context) (common.Hash, error) {
	next := n.runtime.Block() + 1
	ctx, span := telemetry.Tracer("circuit/core").Start(ctx, "node.produce_block")
	defer span.End()
	span.SetAttributes(attribute.Int64("block", int64(next)))
	if err := n.runtime.OnInitialize(next); err != nil {
		span.RecordError(err)
		slog.Warn("node: block hooks failed", "block", next, "error", err)
	}
	root, err := n.commit(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return common.Hash{}, err
	}
	span.SetAttributes(attribute.String("root", root.Hex()))
	return root, nil
}

func (n *Node) commit(ctx context.Context) (common.Hash, error) {
	root, err := n.runtime.Commit()
	if err != nil {
		return common.Hash{}, fmt.Errorf("node: commit: %w", err)
	}
	block := n.runtime.Block()
	encoded, err := rlp.EncodeToBytes(head{Block: block, Root: root})
	if err != nil {
		return common.Hash{}, err
	}
	if err := n.db.Put(headKey, encoded); err != nil {
		return common.Hash{}, fmt.Errorf("node: write head: %w", err)
	}
	n.fresh = false
	for _, h := range n.hooks {
		if err := h.CommitBlock(ctx, block, root); err != nil {
			slog.Error("node: commit hook failed", "block", block, "error", err)
		}
	}
	return root, nil
}

// Run produces a block every interval until ctx is done.
func (n *Node) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			root, err := n.ProduceBlock(ctx)
			if err != nil {
				return err
			}
			slog.Debug("node: block committed", "block", n.runtime.Block(), "root", root.Hex())
		}
	}
}
