/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	jumpstarterdevv1alpha1 "github.com/jumpstarter-dev/jumpstarter-controller/api/v1alpha1"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/oidc"
)

var _ = Describe("Client Controller", func() {
	Context("When reconciling a resource", func() {
		const resourceName = "test-resource"

		ctx := context.Background()

		typeNamespacedName := types.NamespacedName{
			Name:      resourceName,
			Namespace: "default",
		}
		jclient := &jumpstarterdevv1alpha1.Client{}

		newSigner := func() *oidc.Signer {
			signer, err := oidc.NewSignerFromSeed([]byte{}, "https://example.com", "dummy", time.Hour)
			Expect(err).NotTo(HaveOccurred())
			return signer
		}

		BeforeEach(func() {
			By("creating the custom resource for the Kind Client")
			err := k8sClient.Get(ctx, typeNamespacedName, jclient)
			if err != nil && errors.IsNotFound(err) {
				resource := &jumpstarterdevv1alpha1.Client{
					ObjectMeta: metav1.ObjectMeta{
						Name:      resourceName,
						Namespace: "default",
					},
				}
				Expect(k8sClient.Create(ctx, resource)).To(Succeed())
			}
		})

		AfterEach(func() {
			resource := &jumpstarterdevv1alpha1.Client{}
			err := k8sClient.Get(ctx, typeNamespacedName, resource)
			Expect(err).NotTo(HaveOccurred())

			By("Cleanup the specific resource instance Client")
			Expect(k8sClient.Delete(ctx, resource)).To(Succeed())

			// the cascade delete of secrets does not work on test env
			// https://book.kubebuilder.io/reference/envtest#testing-considerations
			Expect(k8sClient.Delete(ctx, &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{
					Name:      resourceName + "-client",
					Namespace: "default",
				},
			})).To(Succeed())
		})
		It("should successfully reconcile the resource", func() {
			By("Reconciling the created resource")
			controllerReconciler := &ClientReconciler{
				Client: k8sClient,
				Scheme: k8sClient.Scheme(),
				Signer: newSigner(),
			}

			_, err := controllerReconciler.Reconcile(ctx, reconcile.Request{
				NamespacedName: typeNamespacedName,
			})
			Expect(err).NotTo(HaveOccurred())

			By("verifying the credential reference was recorded")
			resource := &jumpstarterdevv1alpha1.Client{}
			Expect(k8sClient.Get(ctx, typeNamespacedName, resource)).To(Succeed())
			Expect(resource.Status.Credential).NotTo(BeNil())
			Expect(resource.Status.Credential.Name).To(Equal(resourceName + "-client"))
		})

		It("should reconcile a missing token secret", func() {
			By("recreating the secret")
			controllerReconciler := &ClientReconciler{
				Client: k8sClient,
				Scheme: k8sClient.Scheme(),
				Signer: newSigner(),
			}

			// point the client to a non-existing secret
			jclient := &jumpstarterdevv1alpha1.Client{}
			Expect(k8sClient.Get(ctx, typeNamespacedName, jclient)).To(Succeed())

			jclient.Status.Credential = &corev1.LocalObjectReference{Name: "non-existing-secret"}
			Expect(k8sClient.Status().Update(ctx, jclient)).To(Succeed())

			_, err := controllerReconciler.Reconcile(ctx, reconcile.Request{
				NamespacedName: typeNamespacedName,
			})
			Expect(err).NotTo(HaveOccurred())

			By("verifying the secret was created")
			secret := &corev1.Secret{}
			Expect(k8sClient.Get(ctx, types.NamespacedName{
				Namespace: "default",
				Name:      resourceName + "-client",
			}, secret)).To(Succeed())
		})

		It("should reconcile an invalid token secret", func() {
			By("recreating the secret")
			controllerReconciler := &ClientReconciler{
				Client: k8sClient,
				Scheme: k8sClient.Scheme(),
				Signer: newSigner(),
			}

			_, err := controllerReconciler.Reconcile(ctx, reconcile.Request{
				NamespacedName: typeNamespacedName,
			})
			Expect(err).NotTo(HaveOccurred())

			// modify the secret to something invalid
			secret := &corev1.Secret{}
			Expect(k8sClient.Get(ctx, types.NamespacedName{
				Namespace: "default",
				Name:      resourceName + "-client",
			}, secret)).To(Succeed())
			secret.Data[TokenKey] = []byte("invalid")
			Expect(k8sClient.Update(ctx, secret)).To(Succeed())

			_, err = controllerReconciler.Reconcile(ctx, reconcile.Request{
				NamespacedName: typeNamespacedName,
			})
			Expect(err).NotTo(HaveOccurred())

			By("verifying the secret was updated")
			secret = &corev1.Secret{}
			Expect(k8sClient.Get(ctx, types.NamespacedName{
				Namespace: "default",
				Name:      resourceName + "-client",
			}, secret)).To(Succeed())
			Expect(secret.Data[TokenKey]).NotTo(Equal([]byte("invalid")))
		})
	})
})
