// Package collab defines the interfaces to the platform collaborators
// spec.md §1 places out of scope (device-info discovery, metadata
// indexing, thumbnail generation) and a gRPC-backed client for each,
// dialing a local platform-services address the same way the rest of
// this repo treats storage and transport as swappable backends.
package collab

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/go-mtp/mtpd/internal/logger"
)

// MetadataCollaborator indexes object tags (audio/video/image metadata)
// for objects the storage layer surfaces and answers rich property
// queries against that index; spec.md §1 excludes building the indexer
// itself, only the call boundary into it.
type MetadataCollaborator interface {
	IndexObject(ctx context.Context, path string, format uint16) error
	ObjectProperty(ctx context.Context, path string, format uint16, prop uint16) (any, bool)
}

// ThumbnailCollaborator generates a thumbnail for an object on demand,
// used to serve GetThumb.
type ThumbnailCollaborator interface {
	GenerateThumbnail(ctx context.Context, path string, format uint16) ([]byte, error)
}

// Client dials a single platform-services endpoint and implements
// deviceinfo.PlatformProbe plus the two collaborator interfaces above
// over plain unary gRPC calls encoded as structpb values, since no
// generated .proto stubs ship with this repo.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target (e.g. "unix:///run/mtpd/platform.sock" or a
// "host:port" pair) without blocking for the first RPC.
func Dial(target string) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// FriendlyName implements deviceinfo.PlatformProbe.
func (c *Client) FriendlyName() (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.invoke(ctx, "/platform.v1.Device/GetFriendlyName", &structpb.Struct{})
	if err != nil {
		logger.Warn("platform probe: friendly name unavailable", logger.Err(err))
		return "", false
	}
	v, ok := resp.Fields["name"]
	if !ok {
		return "", false
	}
	return v.GetStringValue(), true
}

// SerialNumber implements deviceinfo.PlatformProbe.
func (c *Client) SerialNumber() (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.invoke(ctx, "/platform.v1.Device/GetSerialNumber", &structpb.Struct{})
	if err != nil {
		logger.Warn("platform probe: serial number unavailable", logger.Err(err))
		return "", false
	}
	v, ok := resp.Fields["serial"]
	if !ok {
		return "", false
	}
	return v.GetStringValue(), true
}

// BatteryLevel implements deviceinfo.PlatformProbe, returning a
// percentage in [0, 100].
func (c *Client) BatteryLevel() (uint8, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.invoke(ctx, "/platform.v1.Device/GetBatteryLevel", &structpb.Struct{})
	if err != nil {
		return 0, false
	}
	v, ok := resp.Fields["percent"]
	if !ok {
		return 0, false
	}
	pct := v.GetNumberValue()
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return uint8(pct), true
}

// IndexObject implements MetadataCollaborator.
func (c *Client) IndexObject(ctx context.Context, path string, format uint16) error {
	req, err := structpb.NewStruct(map[string]any{"path": path, "format": float64(format)})
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, "/platform.v1.Metadata/IndexObject", req)
	return err
}

// ObjectProperty implements MetadataCollaborator: a miss (unindexed
// object or property the indexer does not track) is reported as ok =
// false rather than an error, since the storage layer treats it as
// "property unsupported" and not a failure.
func (c *Client) ObjectProperty(ctx context.Context, path string, format uint16, prop uint16) (any, bool) {
	req, err := structpb.NewStruct(map[string]any{"path": path, "format": float64(format), "prop": float64(prop)})
	if err != nil {
		return nil, false
	}
	resp, err := c.invoke(ctx, "/platform.v1.Metadata/GetObjectProperty", req)
	if err != nil {
		return nil, false
	}
	v, ok := resp.Fields["value"]
	if !ok {
		return nil, false
	}
	return v.AsInterface(), true
}

// GenerateThumbnail implements ThumbnailCollaborator.
func (c *Client) GenerateThumbnail(ctx context.Context, path string, format uint16) ([]byte, error) {
	req, err := structpb.NewStruct(map[string]any{"path": path, "format": float64(format)})
	if err != nil {
		return nil, err
	}
	resp, err := c.invoke(ctx, "/platform.v1.Thumbnail/Generate", req)
	if err != nil {
		return nil, err
	}
	v, ok := resp.Fields["data"]
	if !ok {
		return nil, nil
	}
	s := v.GetStringValue()
	return []byte(s), nil
}
