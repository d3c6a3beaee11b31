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

package streamcastutil

import (
	"fmt"
	"os"

	"github.com/spatialmodel/streamcast/dispatch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// newDispatcher creates the member job dispatcher selected by the
// backend configuration variable.
func newDispatcher() (dispatch.Dispatcher, error) {
	switch backend := Cfg.GetString("backend"); backend {
	case "local", "":
		executeDir := os.ExpandEnv(Cfg.GetString("execute_dir"))
		return dispatch.NewLocal(runMemberJob, executeDir, Cfg.GetInt("job_cores")), nil
	case "kubernetes":
		client, err := kubeClient(Cfg.GetString("kubeconfig"))
		if err != nil {
			return nil, err
		}
		k := dispatch.NewKube(client, Cfg.GetString("namespace"), memberJobArgs)
		if image := Cfg.GetString("image"); image != "" {
			k.Image = image
		}
		return k, nil
	default:
		return nil, fmt.Errorf("streamcast: unknown job backend %q; expected 'local' or 'kubernetes'", backend)
	}
}

// kubeClient creates a Kubernetes clientset from the given kubeconfig
// file, or from the in-cluster configuration when kubeconfig is empty.
func kubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var config *rest.Config
	var err error
	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", os.ExpandEnv(kubeconfig))
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("streamcast: creating kubernetes configuration: %v", err)
	}
	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("streamcast: creating kubernetes client: %v", err)
	}
	return client, nil
}
