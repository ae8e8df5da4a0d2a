// Diffgrid explores branches of an image diffusion process. A trunk trajectory is computed
// for a prompt and alternate branches are resumed from the trunk's latents at fixed
// timesteps, laid out as a grid that can be re-rolled or promoted into the trunk.
//
// Package client talks to the diffusion backend, package grid keeps the state of a session,
// and package server exposes a session over HTTP.
package diffgrid
