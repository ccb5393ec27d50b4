// Package config loads bus and device runtime options from an INI file,
// the same ini.v1 library the teacher repo uses for its object-dictionary
// parsing, repurposed here for the ambient bus/device configuration layer
// (object-dictionary semantics themselves remain out of scope).
package config

import (
	"time"

	"gopkg.in/ini.v1"

	tcan "github.com/simonkerscher/tcan"
	"github.com/simonkerscher/tcan/pkg/canopen"
)

// LoadBusConfig reads a [bus] section from path into a tcan.BusConfig.
// An absent section or key falls back to the defaults below: the section
// name as bus name, asynchronous mode, a queue size of 1000, and zero or
// false for everything else.
func LoadBusConfig(path, section string) (tcan.BusConfig, error) {
	var cfg tcan.BusConfig
	file, err := ini.Load(path)
	if err != nil {
		return cfg, err
	}
	sec := file.Section(section)
	cfg.Name = sec.Key("name").MustString(section)
	if sec.Key("mode").MustString("async") == "sync" {
		cfg.Mode = tcan.Synchronous
	} else {
		cfg.Mode = tcan.Asynchronous
	}
	cfg.ActivateBusOnReception = sec.Key("activate_on_reception").MustBool(false)
	cfg.StartPassive = sec.Key("start_passive").MustBool(false)
	cfg.MaxQueueSize = sec.Key("max_queue_size").MustInt(1000)
	cfg.SanityCheckInterval = time.Duration(sec.Key("sanity_check_interval_ms").MustInt(0)) * time.Millisecond
	cfg.PriorityReceiveThread = sec.Key("priority_receive_thread").MustInt(0)
	cfg.PriorityTransmitThread = sec.Key("priority_transmit_thread").MustInt(0)
	cfg.PrioritySanityCheckThread = sec.Key("priority_sanity_thread").MustInt(0)
	return cfg, nil
}

// LoadDeviceOptions reads a [device "name"]-style section from path into a
// canopen.DeviceOptions.
func LoadDeviceOptions(path, section string) (canopen.DeviceOptions, error) {
	var opts canopen.DeviceOptions
	file, err := ini.Load(path)
	if err != nil {
		return opts, err
	}
	sec := file.Section(section)
	opts.NodeID = uint8(sec.Key("node_id").MustUint(0))
	opts.Name = sec.Key("name").MustString(section)
	opts.MaxDeviceTimeoutCounter = uint32(sec.Key("max_device_timeout_counter").MustUint(0))
	opts.MaxSdoTimeoutCounter = uint32(sec.Key("max_sdo_timeout_counter").MustUint(0))
	opts.MaxSdoSentCounter = uint32(sec.Key("max_sdo_sent_counter").MustUint(1))
	opts.ProducerHeartbeatTimeMs = uint32(sec.Key("producer_heartbeat_time_ms").MustUint(0))
	return opts, nil
}
