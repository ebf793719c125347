// Package runtime defines the narrow container-runtime client the engine
// depends on, together with its Docker implementation.
//
// The interface covers exactly what the engine needs: image build/remove,
// container create/start/kill/remove/wait/logs/stats/attach, network
// create/remove, and a liveness ping. Tests substitute a fake; production
// wires the Docker client from the environment.
package runtime
