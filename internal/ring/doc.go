// Package ring implements the continuum a routing proxy uses to map a key
// hash to the backend node that owns it. Nodes are placed on a sorted array
// of points either with many points per node proportional to weight, or with
// a single point per node whose position marks its cumulative weight share.
package ring
