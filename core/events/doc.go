// Package events defines the envelopes the engine broadcasts to clients.
//
// Every envelope carries a sequence number assigned at commit time. Types:
//   - sensorData: raw sensor reading accepted by the engine
//   - binStatus: FULL or EMPTY signal derived from a reading
//   - binUpdate: bin fill level change
//   - vehiclePositionUpdate: vehicle moved one waypoint
//   - vehicleStateUpdate: partial vehicle state change
//   - dispatchAssigned: a vehicle was assigned to a bin
//   - snapshot: full state sent to a newly connected client
package events
