package resources

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
)

const (
	// TLSSecretName holds the certificate served by participation ingresses.
	TLSSecretName = "tls-secret"

	clusterIssuerAnnotation = "cert-manager.io/cluster-issuer"
	middlewaresAnnotation   = "traefik.ingress.kubernetes.io/router.middlewares"
	redirectHTTPSMiddleware = "default-redirect-https@kubernetescrd"
)

// IngressConfig controls how participation endpoints are exposed.
type IngressConfig struct {
	Domain     string
	SSLEnabled bool
	// SSLIssuer is the cert-manager cluster issuer, used only with SSL.
	SSLIssuer string
}

// Exposure is a container port published through a Service and an Ingress.
type Exposure struct {
	Container     string
	ContainerPort int32
	ServicePort   int32
}

// Exposures lists the container ports of a Survey that carry a service
// port, in declaration order. A repeated container and port pair is listed
// once.
func Exposures(survey *surveyv1.Survey) []Exposure {
	var exposures []Exposure
	seen := map[string]bool{}
	for _, c := range survey.Spec.Containers {
		for _, p := range c.Ports {
			if p.ServicePort == nil {
				continue
			}
			id := fmt.Sprintf("%s/%d", c.Name, p.ContainerPort)
			if seen[id] {
				continue
			}
			seen[id] = true
			exposures = append(exposures, Exposure{Container: c.Name, ContainerPort: p.ContainerPort, ServicePort: *p.ServicePort})
		}
	}
	return exposures
}

// Endpoints returns the hostnames of the exposures.
func Endpoints(userID string, exposures []Exposure, domain string) []string {
	var hosts []string
	for _, e := range exposures {
		hosts = append(hosts, Hostname(userID, e.Container, e.ContainerPort, domain))
	}
	return hosts
}

// Services returns one Service per exposed container carrying all of its
// exposed ports.
func Services(participation *surveyv1.Participation, exposures []Exposure) []*corev1.Service {
	var services []*corev1.Service
	byName := map[string]*corev1.Service{}
	for _, e := range exposures {
		name := ServiceName(participation.Name, e.Container)
		service, ok := byName[name]
		if !ok {
			service = &corev1.Service{
				ObjectMeta: metav1.ObjectMeta{
					Name:      name,
					Namespace: UserNamespace(participation.Spec.UserID),
					Labels:    labelsFor(participation.Name),
				},
				Spec: corev1.ServiceSpec{
					Selector: map[string]string{AppLabel: participation.Name},
				},
			}
			byName[name] = service
			services = append(services, service)
		}
		service.Spec.Ports = append(service.Spec.Ports, corev1.ServicePort{
			Name:       fmt.Sprintf("tcp-%d", e.ContainerPort),
			Protocol:   corev1.ProtocolTCP,
			Port:       e.ServicePort,
			TargetPort: intstr.FromInt32(e.ContainerPort),
		})
	}
	return services
}

// Ingress routes the hostname of an exposure to its Service.
func Ingress(participation *surveyv1.Participation, e Exposure, config IngressConfig) *networkingv1.Ingress {
	host := Hostname(participation.Spec.UserID, e.Container, e.ContainerPort, config.Domain)
	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      IngressName(participation.Name, e.Container, e.ContainerPort),
			Namespace: UserNamespace(participation.Spec.UserID),
			Labels:    labelsFor(participation.Name),
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: host,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     "/",
									PathType: ptr.To(networkingv1.PathTypePrefix),
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: ServiceName(participation.Name, e.Container),
											Port: networkingv1.ServiceBackendPort{Number: e.ServicePort},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}

	if config.SSLEnabled {
		ingress.Annotations = map[string]string{middlewaresAnnotation: redirectHTTPSMiddleware}
		if len(config.SSLIssuer) > 0 {
			ingress.Annotations[clusterIssuerAnnotation] = config.SSLIssuer
		}
		ingress.Spec.TLS = []networkingv1.IngressTLS{
			{SecretName: TLSSecretName, Hosts: []string{host}},
		}
	}
	return ingress
}
