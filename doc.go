/*
Copyright © 2018 the StreamCast authors.
This file is part of StreamCast.

StreamCast is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

StreamCast is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with StreamCast.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package streamcast implements an operational ensemble streamflow
// forecasting pipeline: it converts gridded runoff forecasts to
// lateral inflow for vector river networks, drives a streamflow
// routing kernel over each ensemble member, assimilates initial flows
// between forecast cycles, and reduces the routed ensemble to
// flood warning points.
package streamcast

// Version gives the version number of StreamCast.
const Version = "1.2.0"
