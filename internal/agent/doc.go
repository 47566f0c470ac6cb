// Package agent wires the sensor-fusion encoder to policy and value heads.
//
// An Encoder owns observation routing and the token window for a call: it
// restores the window from the caller's memory blob, runs one fusion step
// per timestep in order, pushes each new token, and hands back the updated
// blob. Actor adds an ActionModel and the export tuple; Critic adds one
// value head per reward stream. Both refuse to build without memory
// settings (ErrMemoryRequired).
//
// Actor and critic each own their running observation statistics. Use
// Encoder.SyncNormalization to copy one into the other.
package agent
