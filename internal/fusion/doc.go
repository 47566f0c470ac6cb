// Package fusion implements the per-timestep sensor-fusion encoder: a
// convolutional tower over ranging arrays, an MLP over state vectors, and a
// causally masked self-attention block over a window of past tokens.
//
// SensorFusion is a pure function of its inputs. Callers own the window of
// past tokens and thread it between steps (see package window).
package fusion
