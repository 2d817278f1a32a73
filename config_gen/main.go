/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each node.
Every generated file carries the full committee, the shared leader seed and
the addresses of the upstream peers the node replays blocks from.
*/
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type nodeEntry struct {
	name     string
	ip       string
	port     int
	grpcPort int
	stake    int
}

// readNodes turns the ips and peers_p2p_port maps of the template into the
// committee, ordered by the numeric suffix of the node names.
func readNodes(v *viper.Viper) ([]nodeEntry, error) {
	ips := v.GetStringMapString("ips")
	ports := v.GetStringMap("peers_p2p_port")
	stakes := v.GetStringMap("stakes")
	grpcOffset := v.GetInt("grpc_port_offset")
	if len(ips) != len(ports) {
		return nil, fmt.Errorf("peers_p2p_port has %d entries, ips has %d", len(ports), len(ips))
	}

	nodes := make([]nodeEntry, 0, len(ips))
	for name, ip := range ips {
		if !strings.HasPrefix(name, "node") {
			return nil, fmt.Errorf("node name %q must look like nodeN", name)
		}
		if _, err := strconv.Atoi(name[4:]); err != nil {
			return nil, fmt.Errorf("node name %q must look like nodeN", name)
		}
		portAsInterface, ok := ports[name]
		if !ok {
			return nil, fmt.Errorf("no p2p port for %s", name)
		}
		port, ok := portAsInterface.(int)
		if !ok {
			return nil, fmt.Errorf("p2p port of %s is not an int", name)
		}
		stake := 1
		if s, ok := stakes[name].(int); ok {
			stake = s
		}
		nodes = append(nodes, nodeEntry{name: name, ip: ip, port: port, grpcPort: port + grpcOffset, stake: stake})
	}
	sort.Slice(nodes, func(i, j int) bool {
		a, _ := strconv.Atoi(nodes[i].name[4:])
		b, _ := strconv.Atoi(nodes[j].name[4:])
		return a < b
	})
	return nodes, nil
}

// upstreamOf picks the count nodes following index, wrapping around.
func upstreamOf(nodes []nodeEntry, index, count int, transport string) []string {
	if count >= len(nodes) {
		count = len(nodes) - 1
	}
	upstream := make([]string, 0, count)
	for k := 1; k <= count; k++ {
		peer := nodes[(index+k)%len(nodes)]
		if transport == "grpc" {
			upstream = append(upstream, fmt.Sprintf("%s:%d", peer.ip, peer.grpcPort))
		} else {
			upstream = append(upstream, fmt.Sprintf("%s:%d", peer.ip, peer.port))
		}
	}
	return upstream
}

func main() {

	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	viperRead.SetDefault("grpc_port_offset", 100)
	viperRead.SetDefault("metrics_port_offset", 200)
	viperRead.SetDefault("upstream_transport", "tcp")
	viperRead.SetDefault("leader_mode", "round_robin")
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	nodes, err := readNodes(viperRead)
	if err != nil {
		panic(err)
	}

	committee := make([]map[string]interface{}, len(nodes))
	for i, n := range nodes {
		committee[i] = map[string]interface{}{
			"name":         n.name,
			"stake":        n.stake,
			"address":      fmt.Sprintf("%s:%d", n.ip, n.port),
			"grpc_address": fmt.Sprintf("%s:%d", n.ip, n.grpcPort),
		}
	}

	// every node must derive the same leader schedule
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		panic(err)
	}

	// load simple parameter
	logLevel := viperRead.GetInt("log_level")
	maxPool := viperRead.GetInt("max_pool")
	feedCapacity := viperRead.GetInt("feed_capacity")
	leaderMode := viperRead.GetString("leader_mode")
	transport := viperRead.GetString("upstream_transport")
	upstreamCount := viperRead.GetInt("upstream_count")
	metricsOffset := viperRead.GetInt("metrics_port_offset")
	fmt.Println("Committee:", len(nodes), "LeaderMode:", leaderMode)

	// write to configure files
	for i, n := range nodes {
		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("%s.yaml", n.name))

		viperWrite.Set("name", n.name)
		viperWrite.Set("authority_index", i)
		viperWrite.Set("log_level", logLevel)
		viperWrite.Set("committee", committee)
		viperWrite.Set("store.engine", "pebble")
		viperWrite.Set("store.path", "./data/"+n.name)
		viperWrite.Set("observer.listen_addr", fmt.Sprintf("0.0.0.0:%d", n.port))
		viperWrite.Set("observer.grpc_addr", fmt.Sprintf("0.0.0.0:%d", n.grpcPort))
		viperWrite.Set("metrics_addr", fmt.Sprintf("0.0.0.0:%d", n.port+metricsOffset))
		viperWrite.Set("leader.mode", leaderMode)
		viperWrite.Set("leader.seed", hex.EncodeToString(seed))
		viperWrite.Set("upstream", upstreamOf(nodes, i, upstreamCount, transport))
		viperWrite.Set("upstream_transport", transport)
		if maxPool > 0 {
			viperWrite.Set("observer.max_pool", maxPool)
		}
		if feedCapacity > 0 {
			viperWrite.Set("feed_capacity", feedCapacity)
		}
		if err := viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}
}
