package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteServiceData records one advertisement service-data frame.
//
// This is the primary method for recording device telemetry. The write is
// non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceMAC: Normalized device address (e.g., "38:39:8F:82:18:7E")
//   - uuid: Service UUID the data was advertised under
//   - payloadHex: Frame bytes as space-separated lowercase hex
//
// Example:
//
//	client.WriteServiceData("38:39:8F:82:18:7E", "fea0", "01 02 03")
func (c *Client) WriteServiceData(deviceMAC, uuid, payloadHex string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"service_data",
		map[string]string{
			"device_mac": deviceMAC,
			"uuid":       uuid,
		},
		map[string]interface{}{
			"payload_hex": payloadHex,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteRSSI records a signal-strength sample for a device.
//
// Parameters:
//   - deviceMAC: Normalized device address
//   - rssi: Received signal strength in dBm
func (c *Client) WriteRSSI(deviceMAC string, rssi int16) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"rssi",
		map[string]string{
			"device_mac": deviceMAC,
		},
		map[string]interface{}{
			"dbm": int64(rssi),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
