package oracle

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const ftsoV2ABIJSON = `[{"inputs":[{"internalType":"bytes21","name":"_feedId","type":"bytes21"}],"name":"getFeedById","outputs":[{"internalType":"uint256","name":"_value","type":"uint256"},{"internalType":"int8","name":"_decimals","type":"int8"},{"internalType":"uint64","name":"_timestamp","type":"uint64"}],"stateMutability":"view","type":"function"}]`

var ftsoV2ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(ftsoV2ABIJSON))
	if err != nil {
		panic("failed to parse FTSOv2 ABI: " + err.Error())
	}
	ftsoV2ABI = parsed
}

// FTSOOptions parameterise the on-chain feed gateway.
type FTSOOptions struct {
	RPCURL          string
	ContractAddress string
	Timeout         time.Duration
}

// FTSO reads prices from a Flare FTSOv2 contract over Ethereum RPC. One
// eth_call per query; nothing is cached.
type FTSO struct {
	opts      FTSOOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewFTSO builds the gateway. The RPC connection is dialed lazily on first
// use so construction never blocks startup.
func NewFTSO(opts FTSOOptions, logger zerolog.Logger) *FTSO {
	return &FTSO{
		opts:   opts,
		logger: logger.With().Str("component", "ftso_gateway").Logger(),
	}
}

// GetPrice fetches a fresh observation for the given bytes21 feed id.
func (f *FTSO) GetPrice(ctx context.Context, feedID string) (Observation, error) {
	if f.opts.RPCURL == "" {
		return Observation{}, fmt.Errorf("%w: rpc url not configured", ErrFeedUnavailable)
	}
	if f.opts.ContractAddress == "" {
		return Observation{}, fmt.Errorf("%w: ftso contract address not configured", ErrFeedUnavailable)
	}

	id, err := parseFeedID(feedID)
	if err != nil {
		return Observation{}, err
	}

	timeout := f.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := f.getClient(ctx)
	if err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}

	payload, err := ftsoV2ABI.Pack("getFeedById", id)
	if err != nil {
		return Observation{}, fmt.Errorf("%w: pack: %v", ErrFeedUnavailable, err)
	}

	addr := common.HexToAddress(f.opts.ContractAddress)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}

	outputs, err := ftsoV2ABI.Unpack("getFeedById", res)
	if err != nil {
		return Observation{}, fmt.Errorf("%w: unpack: %v", ErrFeedUnavailable, err)
	}
	if len(outputs) != 3 {
		return Observation{}, fmt.Errorf("%w: unexpected getFeedById response", ErrFeedUnavailable)
	}

	value, ok := outputs[0].(*big.Int)
	if !ok || !value.IsInt64() {
		return Observation{}, fmt.Errorf("%w: feed value out of range", ErrFeedUnavailable)
	}
	decimals, ok := outputs[1].(int8)
	if !ok {
		return Observation{}, fmt.Errorf("%w: bad decimals", ErrFeedUnavailable)
	}
	ts, ok := outputs[2].(uint64)
	if !ok || ts > math.MaxInt64 {
		return Observation{}, fmt.Errorf("%w: bad timestamp", ErrFeedUnavailable)
	}

	obs := Observation{
		Value:     value.Int64(),
		Decimals:  decimals,
		Timestamp: int64(ts),
	}

	f.logger.Debug().
		Str("feed_id", feedID).
		Int64("value", obs.Value).
		Int8("decimals", obs.Decimals).
		Int64("observed_at", obs.Timestamp).
		Msg("ftso price fetched")

	return obs, nil
}

func (f *FTSO) getClient(ctx context.Context) (*ethclient.Client, error) {
	f.clientMux.Lock()
	defer f.clientMux.Unlock()

	if f.client != nil {
		return f.client, nil
	}

	client, err := ethclient.DialContext(ctx, f.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	f.client = client
	return client, nil
}

// parseFeedID decodes a 0x-prefixed bytes21 feed id.
func parseFeedID(feedID string) ([21]byte, error) {
	var id [21]byte

	raw := strings.TrimPrefix(feedID, "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return id, fmt.Errorf("%w: %q: %v", ErrUnknownFeed, feedID, err)
	}
	if len(decoded) != 21 {
		return id, fmt.Errorf("%w: %q: want 21 bytes, got %d", ErrUnknownFeed, feedID, len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}

var _ PriceFeed = (*FTSO)(nil)
