// Package chirpstack wraps the ChirpStack network-server control plane
// (gRPC, C2 Downlink Transport) and the device-uplink broker (MQTT, C3
// Uplink Source) behind two small interfaces so the state machines in
// internal/fuota and internal/timesync never see a concrete transport.
package chirpstack

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/brocaar/chirpstack-api/go/v3/as/external/api"
)

// DownlinkTransport abstracts C2: unicast-to-device and
// multicast-to-group frame enqueueing over the control-plane channel.
type DownlinkTransport interface {
	EnqueueUnicast(ctx context.Context, devEUI string, port uint8, data []byte) error
	EnqueueMulticast(ctx context.Context, groupID string, port uint8, data []byte) error
	FlushDeviceQueue(ctx context.Context, devEUI string) error
}

// Bootstrap holds the object identifiers discovered by walking the
// control plane's list endpoints at startup.
type Bootstrap struct {
	UserID           string
	TenantID         string
	ApplicationID    string
	MulticastGroupID string
}

// Client is the concrete, gRPC-backed DownlinkTransport implementation.
type Client struct {
	conn  *grpc.ClientConn
	token string

	user      api.UserServiceClient
	tenant    api.TenantServiceClient
	app       api.ApplicationServiceClient
	device    api.DeviceServiceClient
	multicast api.MulticastGroupServiceClient
}

// Dial opens an insecure gRPC connection to the network server's
// control-plane port, matching the reference implementation's
// grpc.insecure_channel usage (TLS termination happens upstream of this
// server in the reference deployment).
func Dial(server string, grpcPort int, token string) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", server, grpcPort)

	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrap(err, "chirpstack: dial control-plane error")
	}

	return &Client{
		conn:      conn,
		token:     token,
		user:      api.NewUserServiceClient(conn),
		tenant:    api.NewTenantServiceClient(conn),
		app:       api.NewApplicationServiceClient(conn),
		device:    api.NewDeviceServiceClient(conn),
		multicast: api.NewMulticastGroupServiceClient(conn),
	}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) auth(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

// Bootstrap walks ListUsers -> ListTenants -> ListApplications ->
// ListMulticastGroups, mirroring the discovery performed by the
// reference implementation before it enters its state machine loop.
func (c *Client) Bootstrap(ctx context.Context) (Bootstrap, error) {
	ctx = c.auth(ctx)
	var bs Bootstrap

	users, err := c.user.List(ctx, &api.ListUsersRequest{Limit: 10})
	if err != nil {
		return bs, errors.Wrap(err, "chirpstack: list users error")
	}
	if len(users.Result) < 2 {
		return bs, errors.New("chirpstack: expected at least 2 users")
	}
	bs.UserID = users.Result[1].Id

	tenants, err := c.tenant.List(ctx, &api.ListTenantsRequest{Limit: 10})
	if err != nil {
		return bs, errors.Wrap(err, "chirpstack: list tenants error")
	}
	if len(tenants.Result) == 0 {
		return bs, errors.New("chirpstack: no tenants found")
	}
	bs.TenantID = tenants.Result[0].Id

	apps, err := c.app.List(ctx, &api.ListApplicationsRequest{Limit: 10, TenantId: bs.TenantID})
	if err != nil {
		return bs, errors.Wrap(err, "chirpstack: list applications error")
	}
	if len(apps.Result) == 0 {
		return bs, errors.New("chirpstack: no applications found")
	}
	bs.ApplicationID = apps.Result[0].Id

	groups, err := c.multicast.List(ctx, &api.ListMulticastGroupsRequest{Limit: 10, ApplicationId: bs.ApplicationID})
	if err != nil {
		return bs, errors.Wrap(err, "chirpstack: list multicast groups error")
	}
	if len(groups.Result) == 0 {
		return bs, errors.New("chirpstack: no multicast groups found")
	}
	bs.MulticastGroupID = groups.Result[0].Id

	return bs, nil
}

// FlushDeviceQueue clears any stale downlinks queued for devEUI, matching
// the reference implementation's pre-session FlushQueue call.
func (c *Client) FlushDeviceQueue(ctx context.Context, devEUI string) error {
	_, err := c.device.FlushQueue(c.auth(ctx), &api.FlushDeviceQueueRequest{DevEui: devEUI})
	if err != nil {
		return errors.Wrap(err, "chirpstack: flush device queue error")
	}
	return nil
}

// EnqueueUnicast enqueues a downlink addressed to a single device.
func (c *Client) EnqueueUnicast(ctx context.Context, devEUI string, port uint8, data []byte) error {
	logrus.WithFields(logrus.Fields{
		"dev_eui": devEUI,
		"f_port":  port,
	}).Debug("chirpstack: enqueue unicast downlink")

	_, err := c.device.Enqueue(c.auth(ctx), &api.EnqueueDeviceQueueItemRequest{
		QueueItem: &api.DeviceQueueItem{
			DevEui: devEUI,
			FPort:  uint32(port),
			Data:   data,
		},
	})
	if err != nil {
		return errors.Wrap(err, "chirpstack: enqueue unicast error")
	}
	return nil
}

// EnqueueMulticast enqueues a downlink addressed to a multicast group.
// f_cnt is set to 1 as a placeholder; the network server overwrites it
// on transmission.
func (c *Client) EnqueueMulticast(ctx context.Context, groupID string, port uint8, data []byte) error {
	logrus.WithFields(logrus.Fields{
		"multicast_group_id": groupID,
		"f_port":             port,
	}).Debug("chirpstack: enqueue multicast downlink")

	_, err := c.multicast.Enqueue(c.auth(ctx), &api.EnqueueMulticastGroupQueueItemRequest{
		QueueItem: &api.MulticastGroupQueueItem{
			MulticastGroupId: groupID,
			FCnt:             1,
			FPort:            uint32(port),
			Data:             data,
		},
	})
	if err != nil {
		return errors.Wrap(err, "chirpstack: enqueue multicast error")
	}
	return nil
}
